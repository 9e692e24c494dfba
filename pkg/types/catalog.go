package types

import "time"

// CatalogEntry describes a model weight file known to the catalog.
type CatalogEntry struct {
	Name              string    `json:"name" example:"llama3"`
	Tag               string    `json:"tag" example:"latest"`
	Path              string    `json:"path" example:"/home/me/.runnerd/models/llama3-latest.gguf"`
	Size              int64     `json:"size" example:"4661224676"`
	Digest            string    `json:"digest" example:"sha256:6a0746a1ec1a"`
	Format            string    `json:"format" example:"gguf"`
	Family            string    `json:"family" example:"llama"`
	ParameterSize     string    `json:"parameter_size" example:"8B"`
	QuantizationLevel string    `json:"quantization_level" example:"Q4_K_M"`
	CreatedAt         time.Time `json:"created_at"`
	ModifiedAt        time.Time `json:"modified_at"`
}

// Key returns the normalized model key of the entry.
func (e CatalogEntry) Key() ModelKey { return NewModelKey(e.Name, e.Tag) }
