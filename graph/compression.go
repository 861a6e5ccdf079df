//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package graph

import "time"

// Compression tags a node or edge as either active or absorbed into a summary node.
// The zero value is active.
type Compression struct {
	// SummaryNodeID is the summary node that absorbed the entity.
	SummaryNodeID string `json:"summaryNodeId,omitempty"`
	// At is the time the entity was absorbed.
	At time.Time `json:"at,omitempty"`
}

// Active returns the active tag.
func Active() Compression {
	return Compression{}
}

// CompressedInto returns the tag of an entity absorbed into summaryNodeID.
func CompressedInto(summaryNodeID string, at time.Time) Compression {
	return Compression{SummaryNodeID: summaryNodeID, At: at}
}

// IsCompressed reports whether the entity was absorbed by compression.
func (c Compression) IsCompressed() bool {
	return c.SummaryNodeID != ""
}
