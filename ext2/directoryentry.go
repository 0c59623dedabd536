package ext2

import (
	"encoding/binary"
	"fmt"
)

// direntHeaderSize is the fixed portion of a directory record preceding
// its variable-length name: inode (4) + rec_len (2) + name_len (1) +
// file_type (1).
const direntHeaderSize = 8

// maxNameLen is the largest directory entry name this driver accepts.
const maxNameLen = 255

// dirFileType mirrors the file_type byte ext2 stores in a directory
// record when the incompat filetype feature is set. Kept independent
// from fileType (the inode-mode nibble) since the two encode the same
// information differently.
type dirFileType uint8

const (
	dirTypeUnknown  dirFileType = 0
	dirTypeRegular  dirFileType = 1
	dirTypeDir      dirFileType = 2
	dirTypeCharDev  dirFileType = 3
	dirTypeBlockDev dirFileType = 4
	dirTypeFIFO     dirFileType = 5
	dirTypeSocket   dirFileType = 6
	dirTypeSymlink  dirFileType = 7
)

func dirFileTypeFor(k fileType) dirFileType {
	switch k {
	case typeRegular:
		return dirTypeRegular
	case typeDir:
		return dirTypeDir
	case typeCharDev:
		return dirTypeCharDev
	case typeBlockDev:
		return dirTypeBlockDev
	case typeFIFO:
		return dirTypeFIFO
	case typeSocket:
		return dirTypeSocket
	case typeSymlink:
		return dirTypeSymlink
	default:
		return dirTypeUnknown
	}
}

// dirent is one in-memory directory record: a name-to-inode mapping plus
// the bookkeeping ext2 stores alongside it on disk.
type dirent struct {
	inode    uint32
	recLen   uint16
	nameLen  uint8
	fileType dirFileType
	name     string

	// blockOffset is this record's byte offset within its containing
	// directory block; set by the reader, used when rewriting in place.
	blockOffset uint16
}

// align4 rounds n up to the next multiple of 4.
func align4(n int) int {
	return (n + 3) &^ 3
}

// direntLen returns the minimum record length needed to hold a name of
// the given length: header plus name, rounded up to 4 bytes.
func direntLen(nameLen int) uint16 {
	return uint16(align4(direntHeaderSize + nameLen))
}

// parseDirentsInBlock parses every record in a directory block, including
// skipped (inode == 0) ones, in on-disk order.
func parseDirentsInBlock(block []byte) ([]dirent, error) {
	var out []dirent
	off := 0
	for off < len(block) {
		if off+direntHeaderSize > len(block) {
			return nil, fmt.Errorf("%w: truncated directory record at offset %d", ErrInvalidArg, off)
		}
		inodeNo := binary.LittleEndian.Uint32(block[off : off+4])
		recLen := binary.LittleEndian.Uint16(block[off+4 : off+6])
		nameLen := block[off+6]
		ft := block[off+7]
		if recLen < direntHeaderSize || int(recLen)+off > len(block) {
			return nil, fmt.Errorf("%w: directory record length %d at offset %d invalid", ErrInvalidArg, recLen, off)
		}
		name := ""
		if nameLen > 0 {
			end := off + direntHeaderSize + int(nameLen)
			if end > len(block) {
				return nil, fmt.Errorf("%w: directory record name overruns block", ErrInvalidArg)
			}
			name = string(block[off+direntHeaderSize : end])
		}
		out = append(out, dirent{
			inode:       inodeNo,
			recLen:      recLen,
			nameLen:     nameLen,
			fileType:    dirFileType(ft),
			name:        name,
			blockOffset: uint16(off),
		})
		off += int(recLen)
	}
	return out, nil
}

// writeDirentAt serializes d into block at d.blockOffset, preserving
// whatever lies beyond the name within its rec_len slack.
func writeDirentAt(block []byte, d dirent) error {
	off := int(d.blockOffset)
	if off+int(d.recLen) > len(block) {
		return fmt.Errorf("%w: directory record at %d overruns block", ErrInvalidArg, off)
	}
	binary.LittleEndian.PutUint32(block[off:off+4], d.inode)
	binary.LittleEndian.PutUint16(block[off+4:off+6], d.recLen)
	block[off+6] = d.nameLen
	block[off+7] = uint8(d.fileType)
	copy(block[off+direntHeaderSize:off+direntHeaderSize+int(d.nameLen)], d.name)
	return nil
}
