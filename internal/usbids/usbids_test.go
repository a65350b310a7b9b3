package usbids

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `#
# List of USB IDs
#
0403  Future Technology Devices International, Ltd
	6001  FT232 Serial (UART) IC
	6010  FT2232C/D/H Dual UART/FIFO IC
1209  Generic
	0001  pid.codes Test PID
		00  an interface line
zzzz  not a vendor
	9999  orphan product

# List of known device classes
C 00  (Defined at Interface level)
	01  Audio
`

func TestParse(t *testing.T) {
	db, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "Future Technology Devices International, Ltd", db.Vendor(0x0403))
	assert.Equal(t, "FT232 Serial (UART) IC", db.Product(0x0403, 0x6001))
	assert.Equal(t, "pid.codes Test PID", db.Product(0x1209, 0x0001))
	assert.Empty(t, db.Product(0x1209, 0x9999), "products after a bad vendor line are dropped")
	assert.Empty(t, db.Vendor(0xFFFF))

	vendors, products := db.Len()
	assert.Equal(t, 2, vendors)
	assert.Equal(t, 3, products)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usb.ids")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	db, err := Open(filepath.Join(dir, "missing"), path)
	require.NoError(t, err)
	assert.Equal(t, "Generic", db.Vendor(0x1209))

	db, err = Open(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, db.Vendor(0x1209), "an empty database still answers")
}

func TestZeroValue(t *testing.T) {
	var db DB
	assert.Empty(t, db.Vendor(1))
	assert.Empty(t, db.Product(1, 2))
	assert.NotNil(t, System())
}
