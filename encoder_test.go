package docrelay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultEncoder(t *testing.T) {
	require.IsType(t, &JSONEncoder{}, defaultEncoder(nil))

	enc := &JSONEncoder{}
	require.Same(t, enc, defaultEncoder(enc))
}

func TestDecodeTask(t *testing.T) {
	enc := defaultEncoder(nil)
	raw, err := enc.Encode(&Task{ID: "x", Status: StatusPending, Items: []string{"a.pdf"}})
	require.NoError(t, err)

	tk, err := decodeTask(enc, raw)
	require.NoError(t, err)
	require.Equal(t, "x", tk.ID)
	require.Equal(t, StatusPending, tk.Status)

	_, err = decodeTask(enc, []byte("not json"))
	require.Error(t, err)
}
