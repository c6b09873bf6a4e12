package launcher

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTailWriter_KeepsLastLines(t *testing.T) {
	w := newTailWriter(3)
	for i := 1; i <= 5; i++ {
		_, _ = fmt.Fprintf(w, "line %d\n", i)
	}
	assert.Equal(t, "line 3\nline 4\nline 5\n", w.String())
}

func TestTailWriter_SplitWritesAndPartial(t *testing.T) {
	w := newTailWriter(2)
	_, _ = w.Write([]byte("ab"))
	_, _ = w.Write([]byte("c\nde"))
	assert.Equal(t, "abc\nde", w.String())

	_, _ = w.Write([]byte("f\ng\n"))
	assert.Equal(t, "def\ng\n", w.String())
}

func TestTailWriter_ReportsFullLengthAndCapsLine(t *testing.T) {
	w := newTailWriter(2)
	long := strings.Repeat("x", maxLineBytes*2)
	n, err := w.Write([]byte(long + "\n"))
	assert.NoError(t, err)
	assert.Equal(t, len(long)+1, n)
	assert.Len(t, strings.TrimSuffix(w.String(), "\n"), maxLineBytes)
}
