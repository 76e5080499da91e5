package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_levelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, logiface.LevelInformational)
	l.Debug().Log(`hidden`)
	l.Info().Int(`fiber`, 3).Log(`shown`)

	out := buf.String()
	assert.NotContains(t, out, `hidden`)
	require.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"fiber":`)
	assert.Equal(t, 1, strings.Count(out, `shown`))
}

func TestSetDefault(t *testing.T) {
	orig := SetDefault(nil)
	defer SetDefault(orig)
	require.Nil(t, Default())

	// nil loggers are disabled, not broken
	Default().Err().Log(`nothing`)

	var buf bytes.Buffer
	SetDefault(New(&buf, logiface.LevelDebug))
	Default().Debug().Log(`hello`)
	require.Contains(t, buf.String(), `hello`)
}

func TestLimiter(t *testing.T) {
	l := NewLimiter()
	allowed := 0
	for range 20 {
		if l.Allow(`epoll_ctl:7`) {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
	assert.True(t, l.Allow(`epoll_ctl:8`))

	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow(`anything`))
}
