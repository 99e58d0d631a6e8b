package process

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBaseColumnsMatchValues(t *testing.T) {
	b := NewBase("p1", Consumer, 10, time.Now())
	cols := strings.Split(BaseColumns, ",")

	assert.Len(t, cols, BaseColumnCount)
	assert.Len(t, b.Values(), BaseColumnCount)
	assert.Len(t, b.ScanTargets(), BaseColumnCount)
}
