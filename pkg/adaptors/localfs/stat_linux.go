// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

//go:build linux

package localfs

import (
	"os"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
)

func fillOwnership(attrs *adaptor.PathAttributes, info os.FileInfo) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	attrs.LastAccessTime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	attrs.CreationTime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)

	uid := strconv.FormatUint(uint64(st.Uid), 10)
	gid := strconv.FormatUint(uint64(st.Gid), 10)
	attrs.Owner, attrs.Group = uid, gid
	if u, err := user.LookupId(uid); err == nil {
		attrs.Owner = u.Username
	}
	if g, err := user.LookupGroupId(gid); err == nil {
		attrs.Group = g.Name
	}
}
