// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package core

import "os"

func pread(f *os.File, b []byte, off int64) (int, error) {
	return f.ReadAt(b, off)
}
