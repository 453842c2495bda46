package pathtree

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// Node - tree structure recording the contents of a directory walk.
// Used by the batch driver to enumerate source files in a stable order,
// and by archive fan-out to list the members of an extraction tree.
// Dotfiles and dot-directories are never entered into the tree.
type Node struct {
	Name            string
	Path            string
	IsFile          bool
	CaseInsensitive bool
	Children        []*Node
}

func (n *Node) stringEqual(s1, s2 string) bool {
	if n.CaseInsensitive {
		return len(s1) == len(s2) && strings.EqualFold(s1, s2)
	}
	return len(s1) == len(s2) && s1 == s2
}

func NewNode(name string, caseInsensitive bool) *Node {
	return &Node{Name: name, CaseInsensitive: caseInsensitive}
}

// FromDir walks root and returns a tree of every regular file below it,
// with paths relative to root. Entries whose name starts with "." are
// skipped, directories included.
func FromDir(root string, caseInsensitive bool) (*Node, error) {
	n := NewNode("", caseInsensitive)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		n.AddFile(filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) AddSubFile(fullPath string, subPath string) {
	parts := strings.Split(subPath, "/")
	if len(parts) == 1 {
		for _, c := range n.Children {
			if n.stringEqual(c.Name, parts[0]) {
				return // file already registered
			}
		}
		n.Children = append(n.Children, &Node{Name: parts[0], IsFile: true, Path: fullPath, CaseInsensitive: n.CaseInsensitive})
	} else {
		for _, c := range n.Children {
			if n.stringEqual(c.Name, parts[0]) {
				c.AddSubFile(fullPath, strings.Join(parts[1:], "/"))
				return
			}
		}
		n.Children = append(n.Children, NewNode(parts[0], n.CaseInsensitive))
		n.Children[len(n.Children)-1].AddSubFile(fullPath, strings.Join(parts[1:], "/"))
	}
}

func (n *Node) AddFile(path string) {
	n.AddSubFile(path, path)
}

func (n *Node) childFiles() []string {
	files := make([]string, 0)
	for _, c := range n.Children {
		if c.IsFile {
			files = append(files, c.Path)
		} else {
			files = append(files, c.childFiles()...)
		}
	}
	return files
}

// Files returns every file in the tree, sorted by path. The sorted order
// is what makes enumeration deterministic across runs.
func (n *Node) Files() []string {
	files := n.childFiles()
	sort.Strings(files)
	return files
}

// GetFiles returns all files at or below dirName ("" means the whole tree).
func (n *Node) GetFiles(dirName string) []string {
	files := make([]string, 0)
	if n.Name == "" && dirName == "" {
		files = append(files, n.childFiles()...)
		sort.Strings(files)
		return files
	}
	parts := strings.Split(dirName, "/")
	if len(parts) == 1 {
		for _, c := range n.Children {
			if n.stringEqual(c.Name, parts[0]) {
				if c.IsFile {
					files = append(files, c.Path)
				} else {
					files = append(files, c.childFiles()...)
				}
			}
		}
		sort.Strings(files)
		return files
	}
	for _, c := range n.Children {
		if n.stringEqual(c.Name, parts[0]) {
			return c.GetFiles(strings.Join(parts[1:], "/"))
		}
	}
	return files
}

// FindFile returns true if the exact file is present in the tree.
// Filecheck uses this to compare catalog rows against a single walk of
// the source and destination trees instead of a stat per row.
func (n *Node) FindFile(fileName string) bool {
	parts := strings.Split(fileName, "/")
	dir := ""
	if len(parts) > 1 {
		dir = strings.Join(parts[:len(parts)-1], "/")
	}
	files := n.GetFiles(dir)
	for _, f := range files {
		if n.stringEqual(f, fileName) {
			return true
		}
	}
	return false
}
