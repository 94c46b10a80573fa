package drivefs

import (
	"fmt"
	"path"
	"strings"
)

// Resolve maps a client-supplied path onto the account namespace below root.
//
// root must be an absolute POSIX path ("/" for the whole account). p is
// interpreted relative to root regardless of a leading slash. The result is
// guaranteed to be root itself or a descendant of root; any input that would
// climb out (".." chains, absolute tricks, backslash separators smuggled in
// by Windows clients) fails with ErrPathEscape.
func Resolve(root, p string) (string, error) {
	if strings.ContainsRune(p, '\x00') {
		return "", fmt.Errorf("%w: %q contains NUL", ErrPathEscape, p)
	}
	// Normalize Windows-style separators before cleaning; path.Clean treats
	// backslash as an ordinary character.
	p = strings.ReplaceAll(p, "\\", "/")

	cleanRoot := path.Clean("/" + strings.TrimPrefix(root, "/"))
	cleanReq := path.Clean("/" + strings.TrimPrefix(p, "/"))

	resolved := cleanReq
	if cleanRoot != "/" {
		resolved = path.Join(cleanRoot, strings.TrimPrefix(cleanReq, "/"))
	}

	// path.Join + Clean cannot produce an escape, but verify anyway: this is
	// the single enforcement point for every front-end.
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+"/") && cleanRoot != "/" {
		return "", fmt.Errorf("%w: %q resolves outside %q", ErrPathEscape, p, root)
	}
	return resolved, nil
}
