package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"runnerd/internal/common/fsutil"
	"runnerd/pkg/types"
)

var (
	quantRe  = regexp.MustCompile(`(?i)(?:^|[-_.])((?:i?q\d+(?:_[a-z0-9]+)*)|f16|f32|bf16)(?:$|[-_.])`)
	paramsRe = regexp.MustCompile(`(?i)(?:^|[-_.])(\d+(?:\.\d+)?[bm])(?:$|[-_.])`)
)

// Describe fills format, family, parameter size and quantization for a weight
// file from its name, e.g. "llama-3.1-8b-instruct-q4_k_m.gguf" gives family
// "llama", "8B" and "Q4_K_M". Unknown parts stay empty.
func Describe(fileName string) (format, family, params, quant string) {
	ext := strings.ToLower(filepath.Ext(fileName))
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	format = strings.TrimPrefix(ext, ".")
	if m := quantRe.FindStringSubmatch(stem); m != nil {
		quant = strings.ToUpper(m[1])
	}
	if m := paramsRe.FindStringSubmatch(stem); m != nil {
		params = strings.ToUpper(m[1])
	}
	words := strings.FieldsFunc(stem, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || (r >= '0' && r <= '9')
	})
	if len(words) > 0 {
		family = strings.ToLower(words[0])
	}
	return format, family, params, quant
}

// ImportDir registers every *.gguf file in dir whose path is not catalogued
// yet, keyed by file stem with the default tag. It returns the new entries.
func (s *Store) ImportDir(ctx context.Context, dir string) ([]types.CatalogEntry, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var added []types.CatalogEntry
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(strings.ToLower(de.Name()), ".gguf") {
			continue
		}
		p := filepath.Join(abs, de.Name())
		known, err := s.hasPath(ctx, p)
		if err != nil {
			return added, err
		}
		if known {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return added, err
		}
		stem := strings.TrimSuffix(de.Name(), filepath.Ext(de.Name()))
		key := types.NewModelKey(stem, types.DefaultTag)
		if _, exists, err := s.Get(ctx, key); err != nil {
			return added, err
		} else if exists {
			continue
		}
		format, family, params, quant := Describe(de.Name())
		e := types.CatalogEntry{
			Name:              key.Name,
			Tag:               key.Tag,
			Path:              p,
			Size:              info.Size(),
			Format:            format,
			Family:            family,
			ParameterSize:     params,
			QuantizationLevel: quant,
			CreatedAt:         info.ModTime().UTC(),
			ModifiedAt:        info.ModTime().UTC(),
		}
		if err := s.Save(ctx, e); err != nil {
			return added, err
		}
		added = append(added, e)
	}
	return added, nil
}
