// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

//go:build !linux

package localfs

import (
	"os"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
)

func fillOwnership(*adaptor.PathAttributes, os.FileInfo) {}
