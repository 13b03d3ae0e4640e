package multipart_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfserv/selfserv/internal/multipart"
)

// S2 chunked POST upload's eventual decoded form (spec.md §8 S2, §8
// property 9): a file part's on-disk bytes equal its source exactly.
func TestDecode_SavesFileContentExactly(t *testing.T) {
	dir := t.TempDir()
	body := strings.Join([]string{
		"--BOUNDARY",
		`Content-Disposition: form-data; name="file"; filename="Wikipedia.txt"`,
		"Content-Type: text/plain",
		"",
		"Wikipedia",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	result, err := multipart.Decode([]byte(body), "BOUNDARY", dir)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	assert.Equal(t, "file", result.Files[0].Field)
	assert.Equal(t, "Wikipedia.txt", result.Files[0].Filename)
	assert.EqualValues(t, 9, result.Files[0].Size)

	data, err := os.ReadFile(filepath.Join(dir, "Wikipedia.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia", string(data))
}

func TestDecode_SurfacesFormFields(t *testing.T) {
	dir := t.TempDir()
	body := strings.Join([]string{
		"--BOUNDARY",
		`Content-Disposition: form-data; name="title"`,
		"",
		"hello world",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	result, err := multipart.Decode([]byte(body), "BOUNDARY", dir)
	require.NoError(t, err)
	assert.Empty(t, result.Files)
	assert.Equal(t, []string{"hello world"}, result.Fields["title"])
}

func TestDecode_SanitizesTraversalFilename(t *testing.T) {
	dir := t.TempDir()
	body := strings.Join([]string{
		"--BOUNDARY",
		`Content-Disposition: form-data; name="file"; filename="../../etc/passwd"`,
		"",
		"x",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	result, err := multipart.Decode([]byte(body), "BOUNDARY", dir)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, "passwd", result.Files[0].Filename)
}

// A part with only "filename" (no separate "name" parameter) must not have
// its Field label polluted by "name=" matching inside "filename=".
func TestDecode_FilenameOnlyDoesNotPolluteField(t *testing.T) {
	dir := t.TempDir()
	body := strings.Join([]string{
		"--BOUNDARY",
		`Content-Disposition: form-data; filename="report.txt"`,
		"",
		"contents",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	result, err := multipart.Decode([]byte(body), "BOUNDARY", dir)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	assert.Equal(t, "", result.Files[0].Field)
	assert.Equal(t, "report.txt", result.Files[0].Filename)
}

func TestDecode_MalformedFramingErrors(t *testing.T) {
	_, err := multipart.Decode([]byte("not a multipart body"), "BOUNDARY", t.TempDir())
	assert.Error(t, err)
}
