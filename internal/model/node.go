// Package model contains the core metadata types shared across the server.
package model

import (
	"fmt"
	"time"
)

// NodeType discriminates files from folders. Immutable after creation.
type NodeType string

const (
	TypeFile   NodeType = "file"
	TypeFolder NodeType = "folder"
)

// Filter selects which lifecycle slice of a user's namespace a listing returns.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterStarred Filter = "starred"
	FilterTrash   Filter = "trash"
)

// ParseFilter maps a query-string value to a Filter. An empty value means
// FilterAll; anything else unrecognized is an error.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterStarred:
		return FilterStarred, nil
	case FilterTrash:
		return FilterTrash, nil
	default:
		return "", fmt.Errorf("unknown filter %q", s)
	}
}

// Node is a file or folder in a user's namespace.
//
// A live node's (UserID, ParentID, Name) tuple is unique. ParentID is nil at
// the root and must never form a cycle. StorageKey is an opaque identifier
// into the object store, assigned once at upload and never derived from the
// node's name or position, so moves and renames never touch object storage.
type Node struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Type       NodeType   `json:"type"`
	Name       string     `json:"name"`
	ParentID   *string    `json:"parentId,omitempty"`
	StorageKey string     `json:"-"`
	Size       int64      `json:"size"`
	MimeType   string     `json:"mimeType,omitempty"`
	IsStarred  bool       `json:"isStarred"`
	TrashedAt  *time.Time `json:"trashedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTrash reports whether the node is soft-deleted.
func (n *Node) IsTrash() bool { return n.TrashedAt != nil }

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool { return n.Type == TypeFolder }

// Usage is a user's quota accounting snapshot.
type Usage struct {
	Used    int64   `json:"used"`
	Limit   int64   `json:"limit"`
	Percent float64 `json:"percent"`
}
