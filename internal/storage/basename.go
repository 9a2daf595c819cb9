package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
)

// BaseName returns the file name of p without its final extension.
//
//	BaseName("images/a.b.png") == "a.b"
//	BaseName(".png")           == ".png"
//	BaseName("token")          == "token"
func BaseName(p string) string {
	name := path.Base(p)
	ext := path.Ext(name)
	if ext == name {
		// A leading dot with no other dot is part of the name
		return name
	}
	return strings.TrimSuffix(name, ext)
}

// JoinPath joins a key prefix and a file name into a slash separated object path.
// An empty prefix yields the bare name.
func JoinPath(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// FindByBaseName lists dir and returns every object path whose base name equals base,
// in lexical order. An empty result is not an error.
func FindByBaseName(ctx context.Context, s Storage, dir, base string) ([]string, error) {
	paths, err := s.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", dir, err)
	}
	var matches []string
	for _, p := range paths {
		if BaseName(p) == base {
			matches = append(matches, p)
		}
	}
	sort.Strings(matches)
	return matches, nil
}
