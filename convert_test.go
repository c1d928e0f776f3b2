package docrelay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := DefaultConvertOptions()
	b := DefaultConvertOptions()
	require.Equal(t, a.Fingerprint(), b.Fingerprint())
	require.Len(t, a.Fingerprint(), 32)
}

func TestFingerprintIgnoresListOrder(t *testing.T) {
	a := DefaultConvertOptions()
	a.ToFormats = []string{"md", "json", "txt"}
	a.OCRLangs = []string{"en", "de"}

	b := DefaultConvertOptions()
	b.ToFormats = []string{"txt", "md", "json"}
	b.OCRLangs = []string{"de", "en"}

	require.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintSensitiveToFields(t *testing.T) {
	base := DefaultConvertOptions()

	ocr := base
	ocr.DoOCR = false
	require.NotEqual(t, base.Fingerprint(), ocr.Fingerprint())

	engine := base
	engine.OCREngine = "tesseract"
	require.NotEqual(t, base.Fingerprint(), engine.Fingerprint())

	scale := base
	scale.ImagesScale = 4
	require.NotEqual(t, base.Fingerprint(), scale.Fingerprint())

	formats := base
	formats.ToFormats = append([]string{"txt"}, base.ToFormats...)
	require.NotEqual(t, base.Fingerprint(), formats.Fingerprint())
}

func TestFingerprintDoesNotMutateOptions(t *testing.T) {
	o := DefaultConvertOptions()
	o.ToFormats = []string{"md", "json"}
	_ = o.Fingerprint()
	require.Equal(t, []string{"md", "json"}, o.ToFormats)
}
