// Package tree indexes an extracted directory into a nested, ordered tree.
package tree

import (
	"encoding/json"
	"path"
	"strings"
)

// NodeType distinguishes files from directories.
type NodeType string

const (
	TypeFile      NodeType = "file"
	TypeDirectory NodeType = "directory"
)

// Node is one entry of an indexed tree. Directories always carry a children
// slice, files never do.
type Node struct {
	Name     string
	Type     NodeType
	Path     string
	Children []*Node
	IsMedia  bool
}

type wireNode struct {
	Name     string   `json:"name"`
	Type     NodeType `json:"type"`
	Path     string   `json:"path"`
	Children *[]*Node `json:"children,omitempty"`
	IsMedia  *bool    `json:"is_media,omitempty"`
}

func (n *Node) MarshalJSON() ([]byte, error) {
	w := wireNode{Name: n.Name, Type: n.Type, Path: n.Path}
	if n.Type == TypeDirectory {
		children := n.Children
		if children == nil {
			children = []*Node{}
		}
		w.Children = &children
	} else {
		media := n.IsMedia
		w.IsMedia = &media
	}
	return json.Marshal(w)
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*n = Node{Name: w.Name, Type: w.Type, Path: w.Path}
	if w.Children != nil {
		n.Children = *w.Children
	}
	if n.Type == TypeDirectory && n.Children == nil {
		n.Children = []*Node{}
	}
	if w.IsMedia != nil {
		n.IsMedia = *w.IsMedia
	}
	return nil
}

// NewRoot returns an empty root directory node.
func NewRoot() *Node {
	return &Node{Name: "root", Type: TypeDirectory, Path: "", Children: []*Node{}}
}

var mediaSuffixes = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".bmp":  {},
	".webp": {},
	".svg":  {},
}

// IsMedia reports whether name carries an image suffix.
func IsMedia(name string) bool {
	_, ok := mediaSuffixes[strings.ToLower(path.Ext(name))]
	return ok
}

// Find returns the node at the forward-slash relative path p.
func (n *Node) Find(p string) *Node {
	if p == "" || p == "." {
		return n
	}
	cur := n
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		var next *Node
		for _, c := range cur.Children {
			if c.Name == part {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// Count returns the number of files and directories below n.
func (n *Node) Count() (files, dirs int) {
	for _, c := range n.Children {
		if c.Type == TypeDirectory {
			dirs++
			f, d := c.Count()
			files += f
			dirs += d
			continue
		}
		files++
	}
	return files, dirs
}
