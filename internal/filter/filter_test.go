package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/remote"
)

func message(id int64, typ, name, caption string, size int64) *remote.Message {
	return &remote.Message{
		ID:      id,
		Caption: caption,
		File:    &remote.FileInfo{ID: id, UniqueID: name, Type: typ, Name: name, Size: size},
	}
}

func TestCompile(t *testing.T) {
	f, err := Compile("  ")
	require.NoError(t, err)
	assert.Nil(t, f)

	ok, err := f.Match(message(1, "photo", "a.jpg", "", 1))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Compile("size >")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = Compile("size + 1")
	assert.Error(t, err, "non-boolean expressions are rejected")

	_, err = Compile("unknownField == 1")
	assert.Error(t, err)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  *remote.Message
		want bool
	}{
		{"type", `type == "video"`, message(1, "video", "a.mp4", "", 10), true},
		{"type mismatch", `type == "video"`, message(1, "photo", "a.jpg", "", 10), false},
		{"size", `size > 1024`, message(1, "file", "a.zip", "", 2048), true},
		{"caption contains", `caption contains "final"`, message(1, "file", "a.zip", "the final cut", 1), true},
		{"extension", `ext in ["mkv", "mp4"]`, message(1, "video", "Clip.MP4", "", 1), true},
		{"extension miss", `ext in ["mkv"]`, message(1, "video", "clip.mp4", "", 1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Compile(tt.src)
			require.NoError(t, err)

			got, err := f.Match(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApply(t *testing.T) {
	f, err := Compile(`size >= 100`)
	require.NoError(t, err)

	msgs := []*remote.Message{
		message(1, "file", "a", "", 50),
		message(2, "file", "b", "", 100),
		message(3, "file", "c", "", 500),
	}

	kept, err := f.Apply(msgs)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, int64(2), kept[0].ID)
	assert.Equal(t, int64(3), kept[1].ID)

	var none *Filter
	all, err := none.Apply(msgs)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCache(t *testing.T) {
	c := NewCache(2)

	a, err := c.Get(`type == "photo"`)
	require.NoError(t, err)
	b, err := c.Get(`type == "photo"`)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, `type == "photo"`, a.Source())

	empty, err := c.Get("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = c.Get("(")
	assert.Error(t, err)
	assert.NoError(t, Validate(`size > 0`))
}
