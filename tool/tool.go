//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package tool provides the tool interfaces invoked by task nodes.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool describes a tool by its declaration.
type Tool interface {
	// Declaration returns the metadata describing the tool.
	Declaration() *Declaration
}

// CallableTool is a tool that can be invoked with JSON arguments.
type CallableTool interface {
	// Call calls the tool with the provided context and arguments.
	// Returns the result of execution or an error if the operation fails.
	Call(ctx context.Context, jsonArgs []byte) (any, error)

	Tool
}

// Declaration describes the metadata of a tool, such as its name, description, and expected arguments.
type Declaration struct {
	// Name is the unique identifier of the tool
	Name string `json:"name"`

	// Description explains the tool's purpose and functionality
	Description string `json:"description"`

	// InputSchema defines the expected input for the tool in JSON schema format.
	InputSchema *Schema `json:"inputSchema,omitempty"`
}

// Schema is the subset of JSON Schema used to describe tool arguments.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	// For array types, defines the schema of items in the array
	Items *Schema `json:"items,omitempty"`
}

// Set is a concurrency-safe set of callable tools keyed by name.
type Set struct {
	mu    sync.RWMutex
	tools map[string]CallableTool
}

// NewSet creates a set holding the given tools.
func NewSet(tools ...CallableTool) (*Set, error) {
	s := &Set{tools: make(map[string]CallableTool, len(tools))}
	for _, t := range tools {
		if err := s.Add(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add adds a tool. Names must be non-empty and unique.
func (s *Set) Add(t CallableTool) error {
	name := t.Declaration().Name
	if name == "" {
		return fmt.Errorf("tool: empty name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[name]; ok {
		return fmt.Errorf("tool: duplicate name %q", name)
	}
	s.tools[name] = t
	return nil
}

// Get returns the tool with the given name.
func (s *Set) Get(name string) (CallableTool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the sorted tool names.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
