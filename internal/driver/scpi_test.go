package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSCPINumber(t *testing.T) {
	v, err := ParseSCPINumber(" 1.250E+01\r\n")
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	_, err = ParseSCPINumber("9.9E37")
	require.Error(t, err, "overflow sentinel must not surface as a reading")

	_, err = ParseSCPINumber("-9.9E+37")
	require.Error(t, err)

	_, err = ParseSCPINumber("****")
	require.Error(t, err)

	_, err = ParseSCPINumber("")
	require.Error(t, err)

	_, err = ParseSCPINumber("bogus")
	require.Error(t, err)
}

func TestParseSCPINumberLenient(t *testing.T) {
	assert.Equal(t, 3.3, ParseSCPINumberLenient("3.3", 0))
	assert.Equal(t, 0.0, ParseSCPINumberLenient("9.9E37", 0))
	assert.Equal(t, 1.5, ParseSCPINumberLenient("****", 1.5))
}
