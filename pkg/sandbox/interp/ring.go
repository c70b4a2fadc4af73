// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package interp

import "sync"

// StdoutCapBytes is how much print output one invocation may keep.
const StdoutCapBytes = 10 * 1024

// stdoutRing keeps the newest StdoutCapBytes of guest print output.
type stdoutRing struct {
	mu        sync.Mutex
	buf       []byte
	truncated bool
}

func (r *stdoutRing) Write(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, msg...)
	r.buf = append(r.buf, '\n')
	if len(r.buf) > StdoutCapBytes {
		r.buf = r.buf[len(r.buf)-StdoutCapBytes:]
		r.truncated = true
	}
}

func (r *stdoutRing) String() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf), r.truncated
}
