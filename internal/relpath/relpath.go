// Package relpath maps relation identifiers to their data-file paths inside
// a cluster directory, and recognizes such paths on the way back in.
package relpath

import (
	"fmt"
	"regexp"
)

// BlockSize is the relation block size (BLCKSZ).
const BlockSize = 8192

// SegmentSize is the number of blocks per relation segment (RELSEG_SIZE).
const SegmentSize = 131072

// TablespaceVersionDir is the per-version directory under each tablespace
// root, e.g. pg_tblspc/16400/<this>/12345/16384.
const TablespaceVersionDir = "PG_13_202007201"

// GlobalTablespaceOID and DefaultTablespaceOID are the two built-in
// tablespaces.
const (
	GlobalTablespaceOID  = 1664
	DefaultTablespaceOID = 1663
)

// RelFileNode identifies a relation on disk.
type RelFileNode struct {
	SpcNode uint32 // tablespace OID
	DBNode  uint32 // database OID, 0 for shared relations
	RelNode uint32 // relation filenode
}

func (r RelFileNode) String() string {
	return fmt.Sprintf("%d/%d/%d", r.SpcNode, r.DBNode, r.RelNode)
}

// ForkNumber names an auxiliary stream of a relation.
type ForkNumber int

const (
	MainFork ForkNumber = iota
	FSMFork
	VisibilityMapFork
	InitFork
)

func (f ForkNumber) String() string {
	switch f {
	case MainFork:
		return "main"
	case FSMFork:
		return "fsm"
	case VisibilityMapFork:
		return "vm"
	case InitFork:
		return "init"
	default:
		return fmt.Sprintf("fork %d", int(f))
	}
}

func (f ForkNumber) suffix() string {
	switch f {
	case FSMFork:
		return "_fsm"
	case VisibilityMapFork:
		return "_vm"
	case InitFork:
		return "_init"
	default:
		return ""
	}
}

// DataFilePath returns the path of one segment of a relation fork, relative
// to the data directory root. The scheme is byte-exact with the server's:
// global/<rel>, base/<db>/<rel>, or pg_tblspc/<spc>/<ver>/<db>/<rel>, with
// fork suffix before the ".<segno>" extension.
func DataFilePath(rnode RelFileNode, fork ForkNumber, segno uint32) string {
	var path string
	switch rnode.SpcNode {
	case GlobalTablespaceOID:
		path = fmt.Sprintf("global/%d%s", rnode.RelNode, fork.suffix())
	case DefaultTablespaceOID:
		path = fmt.Sprintf("base/%d/%d%s", rnode.DBNode, rnode.RelNode, fork.suffix())
	default:
		path = fmt.Sprintf("pg_tblspc/%d/%s/%d/%d%s",
			rnode.SpcNode, TablespaceVersionDir, rnode.DBNode, rnode.RelNode, fork.suffix())
	}
	if segno > 0 {
		path = fmt.Sprintf("%s.%d", path, segno)
	}
	return path
}

// dataFileRe recognizes relation data files anywhere a cluster keeps them.
// Compiled once; the fork suffix sits between the filenode and the optional
// segment extension.
var dataFileRe = regexp.MustCompile(
	`^(global|base/[0-9]+|pg_tblspc/[0-9]+/[^/]+/[0-9]+)/[0-9]+(_fsm|_vm|_init)?(\.[0-9]+)?$`)

// IsRelDataFile reports whether path (relative, slash-separated) names a
// relation data file. Everything else in the data directory is copied
// wholesale rather than patched page-by-page.
func IsRelDataFile(path string) bool {
	return dataFileRe.MatchString(path)
}
