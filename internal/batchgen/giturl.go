package batchgen

import "strings"

// RewriteGitURL rewrites an HTTPS repository URL to the SSH form used for
// non-interactive clones on the cluster (remote hosts have no credential
// prompt). URLs already in SSH form, and empty URLs, pass through
// unchanged.
//
//	https://host/org/repo      → git@host:org/repo.git
//	https://host/org/repo.git  → git@host:org/repo.git
//	git@host:org/repo.git      → unchanged
func RewriteGitURL(url string) string {
	if url == "" || strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://") {
		return url
	}

	rest := url
	switch {
	case strings.HasPrefix(url, "https://"):
		rest = strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		rest = strings.TrimPrefix(url, "http://")
	default:
		return url
	}

	host, path, ok := strings.Cut(rest, "/")
	if !ok || path == "" {
		return url
	}
	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git")
	return "git@" + host + ":" + path + ".git"
}
