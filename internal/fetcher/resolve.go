// Package fetcher turns model references into local weight files.
package fetcher

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"runnerd/pkg/types"
)

// DefaultHubURL is where "user/repo" references are resolved.
const DefaultHubURL = "https://huggingface.co"

// ErrUnknownModel is returned by Resolve for bare names when no registry is configured.
var ErrUnknownModel = errors.New("unknown model")

// Source is a resolved download.
type Source struct {
	Key types.ModelKey
	URL string
	// FileName is the remote file's base name.
	FileName string
}

// Resolve maps a reference to a download URL:
//
//	https://host/path/file.gguf  pass-through, keyed by file stem
//	user/repo                    <hub>/user/repo/resolve/main/<repo>.gguf ("-GGUF" suffix dropped)
//	user/repo:file.gguf          <hub>/user/repo/resolve/main/file.gguf, tagged by file stem
//	user/repo:tag                <hub>/user/repo/resolve/main/<repo>-<tag>.gguf
//	name[:tag]                   <registry>/<name>/resolve/main/<name>-<tag>.gguf
func (f *Fetcher) Resolve(ref string) (Source, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Source{}, errors.New("empty model reference")
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		if err != nil {
			return Source{}, fmt.Errorf("parse url: %w", err)
		}
		file := path.Base(u.Path)
		if file == "/" || file == "." {
			return Source{}, fmt.Errorf("url %q names no file", ref)
		}
		return Source{Key: types.NewModelKey(stem(file), ""), URL: ref, FileName: file}, nil
	}

	name, tag := ref, ""
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		name, tag = ref[:i], ref[i+1:]
	}

	if user, repo, ok := strings.Cut(name, "/"); ok {
		if user == "" || repo == "" || strings.Contains(repo, "/") {
			return Source{}, fmt.Errorf("invalid repository reference %q", ref)
		}
		base := strings.TrimSuffix(strings.TrimSuffix(repo, "-GGUF"), "-gguf")
		file := base + ".gguf"
		switch {
		case strings.HasSuffix(strings.ToLower(tag), ".gguf"):
			file, tag = tag, stem(tag)
		case tag != "":
			file = base + "-" + tag + ".gguf"
		}
		return Source{
			Key:      types.NewModelKey(name, tag),
			URL:      f.hub + "/" + user + "/" + repo + "/resolve/main/" + file,
			FileName: file,
		}, nil
	}

	if f.registry == "" {
		return Source{}, fmt.Errorf("%w %q: use a repository reference like user/repo-GGUF or a URL", ErrUnknownModel, ref)
	}
	key := types.NewModelKey(name, tag)
	file := key.FileStem() + ".gguf"
	return Source{
		Key:      key,
		URL:      f.registry + "/" + key.Name + "/resolve/main/" + file,
		FileName: file,
	}, nil
}

func stem(file string) string {
	return strings.TrimSuffix(file, path.Ext(file))
}
