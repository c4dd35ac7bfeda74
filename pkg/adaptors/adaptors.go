// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package adaptors collects the built-in adaptors.
package adaptors

import (
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/local"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/localfs"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sftpfs"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/slurm"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/ssh"
)

// Default returns a registry holding every built-in adaptor.
func Default() *adaptor.Registry {
	reg := adaptor.NewRegistry()
	reg.MustRegister(
		localfs.New(),
		sftpfs.New(),
		local.New(),
		ssh.New(),
		slurm.New(),
	)
	return reg
}
