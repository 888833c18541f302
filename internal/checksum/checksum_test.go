package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeAdd11(t *testing.T) {
	typ, sum := Compute([]byte{1, 2, 3})
	assert.Equal(t, Add11, typ)
	assert.EqualValues(t, 6, sum)
}

func TestComputeAdd44(t *testing.T) {
	typ, sum := Compute([]byte{1, 0, 0, 0, 2, 0, 0, 0})
	assert.Equal(t, Add44, typ)
	assert.EqualValues(t, 3, sum)
}
