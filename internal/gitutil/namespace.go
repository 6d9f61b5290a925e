package gitutil

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var slugRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// slug lowercases s, collapses runs of disallowed characters to a single
// dash, and trims leading/trailing delimiters.
func slug(s string) string {
	out := slugRe.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(out, "-._")
}

// Namespace derives the stable per-repository namespace: host-owner-repo
// from the origin remote when one exists, otherwise the directory name
// plus a 12-hex-digit hash of its absolute path.
func Namespace(ctx context.Context, root string) string {
	if remote := OriginURL(ctx, root); remote != "" {
		if ns := NamespaceFromRemote(remote); ns != "" {
			return ns
		}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	name := slug(filepath.Base(abs))
	if name == "" {
		name = "repo"
	}
	sum := sha1.Sum([]byte(abs))
	return fmt.Sprintf("%s-%s", name, hex.EncodeToString(sum[:])[:12])
}

// NamespaceFromRemote turns a remote URL into a host-owner-repo slug, or
// "" when the URL does not identify all three parts.
func NamespaceFromRemote(remote string) string {
	host, owner, repo, ok := parseRemoteSlug(remote)
	if !ok {
		return ""
	}
	hostNS := slug(host)
	if hostNS == "" {
		hostNS = "host"
	}
	ownerNS := slug(owner)
	if ownerNS == "" {
		ownerNS = "owner"
	}
	repoNS := slug(repo)
	if repoNS == "" {
		repoNS = "repo"
	}
	return fmt.Sprintf("%s-%s-%s", hostNS, ownerNS, repoNS)
}

var scpLikeRe = regexp.MustCompile(`^(?:[^@]+@)?([^:]+):(.+)$`)

// parseRemoteSlug understands https://h/a/b.git, ssh://git@h:22/a/b and
// scp-like git@h:a/b.git remote shapes.
func parseRemoteSlug(remote string) (host, owner, repo string, ok bool) {
	if remote == "" {
		return "", "", "", false
	}

	var path string
	if strings.Contains(remote, "://") {
		parsed, err := url.Parse(remote)
		if err != nil {
			return "", "", "", false
		}
		host = parsed.Hostname()
		path = parsed.Path
	} else {
		m := scpLikeRe.FindStringSubmatch(remote)
		if m == nil {
			return "", "", "", false
		}
		host = m[1]
		path = "/" + m[2]
	}

	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) < 2 {
		return "", "", "", false
	}
	owner = parts[len(parts)-2]
	repo = strings.TrimSuffix(parts[len(parts)-1], ".git")
	if host == "" || owner == "" || repo == "" {
		return "", "", "", false
	}
	return host, owner, repo, true
}
