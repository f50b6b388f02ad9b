// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"sort"

	"github.com/AleutianAI/AleutianCare/pkg/datatypes"
)

// chronological orders messages oldest first: by timestamp, then by
// numeric server id, then by id text.
func chronological(a, b datatypes.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	an, aNum := a.NumericID()
	bn, bNum := b.NumericID()
	if aNum && bNum && an != bn {
		return an < bn
	}
	if aNum != bNum {
		// server ids sort before local ids at the same instant
		return aNum
	}
	return a.ID < b.ID
}

// normalize sorts msgs ascending in place and returns it.
func normalize(msgs []datatypes.Message) []datatypes.Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return chronological(msgs[i], msgs[j])
	})
	return msgs
}

// filterUnseen returns the messages whose ids are not in seen, dropping
// repeats within msgs as well, and the number dropped. seen is not modified.
func filterUnseen(msgs []datatypes.Message, seen map[string]struct{}) ([]datatypes.Message, int) {
	out := make([]datatypes.Message, 0, len(msgs))
	local := make(map[string]struct{}, len(msgs))
	dropped := 0
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			dropped++
			continue
		}
		if _, ok := local[m.ID]; ok {
			dropped++
			continue
		}
		local[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out, dropped
}

// oldestServer returns the first message with a server id in an ascending
// list.
func oldestServer(msgs []datatypes.Message) (datatypes.Message, bool) {
	for _, m := range msgs {
		if _, ok := m.NumericID(); ok {
			return m, true
		}
	}
	return datatypes.Message{}, false
}

// countServer returns how many messages carry a server id.
func countServer(msgs []datatypes.Message) int {
	n := 0
	for _, m := range msgs {
		if _, ok := m.NumericID(); ok {
			n++
		}
	}
	return n
}
