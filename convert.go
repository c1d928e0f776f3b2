package docrelay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
)

// ConvertOptions is the conversion configuration shared by every item in a
// batch. Every field participates in converter construction, so every field
// feeds the fingerprint.
type ConvertOptions struct {
	// FromFormats restricts the accepted input formats (e.g. "pdf", "docx").
	// Empty means all supported formats.
	FromFormats []string `json:"from_formats,omitempty"`
	// ToFormats lists the export formats to produce (e.g. "json", "md", "txt").
	ToFormats []string `json:"to_formats,omitempty"`
	// DoOCR enables OCR on bitmap content.
	DoOCR bool `json:"do_ocr"`
	// ForceOCR replaces existing text with OCR output instead of merging.
	ForceOCR bool `json:"force_ocr,omitempty"`
	// OCREngine selects the OCR engine ("easyocr", "tesseract", "rapidocr").
	OCREngine string `json:"ocr_engine,omitempty"`
	// OCRLangs restricts OCR languages. Order does not affect the fingerprint.
	OCRLangs []string `json:"ocr_lang,omitempty"`
	// PDFBackend selects the PDF parsing backend.
	PDFBackend string `json:"pdf_backend,omitempty"`
	// TableMode selects the table-structure mode ("fast", "accurate").
	TableMode string `json:"table_mode,omitempty"`
	// DoTableStructure enables table-structure extraction.
	DoTableStructure bool `json:"do_table_structure"`
	// IncludeImages enables page/picture image generation.
	IncludeImages bool `json:"include_images"`
	// ImagesScale is the resolution multiplier for generated images.
	ImagesScale float64 `json:"images_scale,omitempty"`
	// ImageExportMode controls how images appear in exports
	// ("placeholder", "embedded", "referenced").
	ImageExportMode string `json:"image_export_mode,omitempty"`
	// AbortOnError stops a batch on the first item error instead of recording
	// it and continuing. Default false: item errors never fail siblings.
	AbortOnError bool `json:"abort_on_error,omitempty"`
}

// DefaultConvertOptions mirrors the defaults of the conversion service.
func DefaultConvertOptions() ConvertOptions {
	return ConvertOptions{
		ToFormats:        []string{"json", "md"},
		DoOCR:            true,
		OCREngine:        "easyocr",
		PDFBackend:       "dlparse_v2",
		TableMode:        "accurate",
		DoTableStructure: true,
		IncludeImages:    true,
		ImagesScale:      2,
		ImageExportMode:  "placeholder",
	}
}

// Fingerprint derives a deterministic, order-independent key from all fields
// that affect converter construction. Two configurations with equal
// fingerprints are interchangeable for caching purposes.
func (o ConvertOptions) Fingerprint() string {
	// List-valued fields are set-like: sort copies so ordering differences do
	// not split the cache.
	c := o
	c.FromFormats = sortedCopy(o.FromFormats)
	c.ToFormats = sortedCopy(o.ToFormats)
	c.OCRLangs = sortedCopy(o.OCRLangs)
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

// Input identifies one document to convert.
type Input struct {
	// Key is the object key at the source store.
	Key string
	// SourcePrefix is the listing prefix the key was found under; converters
	// strip it when deriving output keys.
	SourcePrefix string
	// SourceStore is where the bytes live.
	SourceStore ObjectStore
}

// Output describes the converted artifacts of one input.
type Output struct {
	// Keys are the target object keys written, one per export format.
	Keys []string
}

// Converter is the external conversion capability. Implementations are
// expensive to construct (they may load large models), which is why instances
// are cached by fingerprint. Convert errors are per item, not per batch.
type Converter interface {
	Convert(ctx context.Context, in Input, target ObjectStore, targetPrefix string) (Output, error)
}

// ConverterFunc adapts a function to the Converter interface.
type ConverterFunc func(ctx context.Context, in Input, target ObjectStore, targetPrefix string) (Output, error)

func (f ConverterFunc) Convert(ctx context.Context, in Input, target ObjectStore, targetPrefix string) (Output, error) {
	return f(ctx, in, target, targetPrefix)
}

// Builder constructs a Converter for the given options. It is invoked at most
// once per fingerprint while sharing is enabled.
type Builder func(ConvertOptions) (Converter, error)
