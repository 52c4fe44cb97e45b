package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	apps := c.Apps()
	require.Len(t, apps, 3)
	assert.Equal(t, "Balatro", apps[0].Name)
	assert.Equal(t, "Rocket League", apps[1].Name)
	assert.Equal(t, "Notepad++", apps[2].Name)

	app, ok := c.Lookup("rocket league")
	require.True(t, ok)
	assert.Equal(t, "Gold", app.Rating)
	assert.Equal(t, "7.0 or later", app.RuntimeVersion)
}

func TestSuggest(t *testing.T) {
	c := Default()

	tests := []struct {
		name string
		want string
	}{
		{"Balatro", "Games"},
		{"BALATRO", "Games"},
		{" Notepad++ ", "Productivity"},
		{"setup", FallbackCategory},
		{"", FallbackCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Suggest(tt.name))
		})
	}
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte("apps:\n  - name: Tool\n"))
	require.NoError(t, err)
	app, ok := c.Lookup("tool")
	require.True(t, ok)
	assert.Equal(t, FallbackCategory, app.Category)

	_, err = Parse([]byte("apps:\n  - category: Games\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("apps:\n  - name: A\n  - name: a\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("apps: [unterminated"))
	assert.Error(t, err)
}
