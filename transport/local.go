// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import "sync"

// Local returns n transports, one per rank, that communicate through
// a shared in-process hub. The hub is closed once every transport is
// closed.
func Local(n int) []Transport {
	hub := NewHub()
	var (
		mu   sync.Mutex
		open = n
	)
	closeOne := func() error {
		mu.Lock()
		defer mu.Unlock()
		open--
		if open == 0 {
			return hub.Close()
		}
		return nil
	}
	ts := make([]Transport, n)
	for i := range ts {
		var once sync.Once
		ts[i] = newConn(hub, i, n, func() (err error) {
			once.Do(func() { err = closeOne() })
			return
		})
	}
	return ts
}
