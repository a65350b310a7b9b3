// Package usbids looks up vendor and product names in the usb.ids
// database shipped by usbutils/hwdata.
package usbids

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths are searched in order by Open.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// DB maps IDs to names. The zero value is empty and answers every lookup
// with "".
type DB struct {
	vendors  map[uint16]string
	products map[uint32]string
}

// Parse reads the usb.ids format: a vendor line "vvvv  Name" followed by
// tab-indented "pppp  Name" product lines. Other sections (classes,
// languages, ...) end the vendor list and are skipped.
func Parse(r io.Reader) (*DB, error) {
	db := &DB{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
	var vendor uint16
	inVendor := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[uint32(vendor)<<16|uint32(id)] = name
			}
			continue
		}
		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vendor = id
			db.vendors[id] = name
		}
	}
	return db, scanner.Err()
}

// entry splits "xxxx  Name".
func entry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(line[5:]), true
}

// Open parses the first database found in paths.
func Open(paths ...string) (*DB, error) {
	var firstErr error
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		db, err := Parse(f)
		f.Close()
		return db, err
	}
	if firstErr == nil {
		firstErr = os.ErrNotExist
	}
	return &DB{}, firstErr
}

var (
	system     *DB
	systemOnce sync.Once
)

// System returns the database at DefaultPaths, loaded on first use. It
// is empty when none is installed.
func System() *DB {
	systemOnce.Do(func() {
		system, _ = Open(DefaultPaths...)
	})
	return system
}

// Vendor returns the vendor name for vid.
func (db *DB) Vendor(vid uint16) string {
	return db.vendors[vid]
}

// Product returns the product name for vid:pid.
func (db *DB) Product(vid, pid uint16) string {
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Len returns the number of vendors and products known.
func (db *DB) Len() (vendors, products int) {
	return len(db.vendors), len(db.products)
}
