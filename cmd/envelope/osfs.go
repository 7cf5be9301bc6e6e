// osfs.go: The host filesystem as an absfs.FileSystem.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"os"
	"time"

	"github.com/absfs/absfs"
)

// osFiler forwards to package os. It implements Chdir and Getwd so that
// absfs.ExtendFiler passes relative paths through unchanged.
type osFiler struct{}

func newOSFileSystem() absfs.FileSystem {
	return absfs.ExtendFiler(osFiler{})
}

func (osFiler) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (osFiler) Mkdir(name string, perm os.FileMode) error { return os.Mkdir(name, perm) }
func (osFiler) Remove(name string) error                  { return os.Remove(name) }
func (osFiler) Rename(oldpath, newpath string) error      { return os.Rename(oldpath, newpath) }
func (osFiler) Stat(name string) (os.FileInfo, error)     { return os.Stat(name) }
func (osFiler) Chmod(name string, mode os.FileMode) error { return os.Chmod(name, mode) }
func (osFiler) Chown(name string, uid, gid int) error     { return os.Chown(name, uid, gid) }
func (osFiler) Chdir(dir string) error                    { return os.Chdir(dir) }
func (osFiler) Getwd() (string, error)                    { return os.Getwd() }

func (osFiler) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return os.Chtimes(name, atime, mtime)
}
