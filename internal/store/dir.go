package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/docqa/internal/index"
	"go.etcd.io/bbolt"
)

const (
	VectorsFile = "index.vec"
	ChunksFile  = "chunks.db"

	vectorsMagic   = "DQIX"
	vectorsVersion = 1
	maxGeneration  = 256
)

var (
	bucketMeta   = []byte("meta")
	bucketChunks = []byte("chunks")

	keyGeneration = []byte("generation")
	keyCount      = []byte("count")
	keyChecksum   = []byte("checksum")
)

// Dir keeps a snapshot as two artifacts in one directory: the vectors in
// VectorsFile and the ordinal-keyed chunk texts in a bbolt database at
// ChunksFile. Both carry the generation of the index they were written from.
type Dir struct {
	path string
}

func NewDir(path string) *Dir {
	return &Dir{path: path}
}

func (d *Dir) Path() string { return d.path }

// Save writes both artifacts into a staging directory and renames them into
// place. A crash between the two renames leaves artifacts of different
// generations, which Load rejects.
func (d *Dir) Save(ctx context.Context, ix *index.Index) error {
	start := time.Now()
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	staging, err := os.MkdirTemp(d.path, ".staging-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			log.Warn().Err(err).Str("path", staging).Msg("failed to remove staging dir")
		}
	}()

	if err := writeVectors(filepath.Join(staging, VectorsFile), ix); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	if err := writeChunks(filepath.Join(staging, ChunksFile), ix); err != nil {
		return fmt.Errorf("write chunks: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, name := range []string{ChunksFile, VectorsFile} {
		if err := os.Rename(filepath.Join(staging, name), filepath.Join(d.path, name)); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
	}
	syncDir(d.path)

	log.Info().Str("path", d.path).Str("generation", ix.Generation()).Int("chunks", ix.Count()).
		Dur("dur", time.Since(start)).Msg("snapshot saved")
	return nil
}

// Load restores the snapshot. It fails with ErrMissingArtifact when either
// artifact is absent, ErrCorruptArtifact when one cannot be decoded or they
// come from different saves, and ErrCountMismatch when their counts differ.
func (d *Dir) Load(ctx context.Context) (*index.Index, error) {
	vecPath := filepath.Join(d.path, VectorsFile)
	chunkPath := filepath.Join(d.path, ChunksFile)
	for _, p := range []string{vecPath, chunkPath} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, p)
			}
			return nil, err
		}
	}

	vh, vectors, err := readVectors(vecPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chunkGen, chunks, err := readChunks(chunkPath)
	if err != nil {
		return nil, err
	}

	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: %d vectors, %d chunks", ErrCountMismatch, len(vectors), len(chunks))
	}
	if vh.generation != chunkGen {
		return nil, fmt.Errorf("%w: vectors from generation %q, chunks from %q", ErrCorruptArtifact, vh.generation, chunkGen)
	}
	ix, err := index.New(vh.generation, vh.dim, vectors, chunks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	log.Info().Str("path", d.path).Str("generation", ix.Generation()).Int("chunks", ix.Count()).Msg("snapshot loaded")
	return ix, nil
}

type vectorsHeader struct {
	generation string
	dim        int
	count      int
}

// Vectors file layout, little endian:
//
//	magic "DQIX" | version u32 | dim u32 | count u64 | genLen u16 | generation
//	count*dim float32 | crc32 (IEEE) of everything before it
func writeVectors(path string, ix *index.Index) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	crc := crc32.NewIEEE()
	bw := bufio.NewWriter(f)
	w := io.MultiWriter(bw, crc)

	gen := ix.Generation()
	if len(gen) > maxGeneration {
		return fmt.Errorf("generation too long: %d bytes", len(gen))
	}
	if _, err := io.WriteString(w, vectorsMagic); err != nil {
		return err
	}
	for _, v := range []any{uint32(vectorsVersion), uint32(ix.Dim()), uint64(ix.Count()), uint16(len(gen))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, gen); err != nil {
		return err
	}
	for i := 0; i < ix.Count(); i++ {
		v, err := ix.Vector(i)
		if err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, crc.Sum32()); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func readVectors(path string) (vectorsHeader, [][]float32, error) {
	var h vectorsHeader
	f, err := os.Open(path)
	if err != nil {
		return h, nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return h, nil, err
	}

	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrCorruptArtifact, path, fmt.Sprintf(format, args...))
	}

	crc := crc32.NewIEEE()
	r := io.TeeReader(bufio.NewReader(f), crc)

	magic := make([]byte, len(vectorsMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != vectorsMagic {
		return h, nil, corrupt("bad magic")
	}
	var hdr struct {
		Version uint32
		Dim     uint32
		Count   uint64
		GenLen  uint16
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return h, nil, corrupt("short header: %v", err)
	}
	if hdr.Version != vectorsVersion {
		return h, nil, corrupt("unsupported version %d", hdr.Version)
	}
	if hdr.GenLen > maxGeneration {
		return h, nil, corrupt("generation length %d", hdr.GenLen)
	}
	headerSize := int64(len(vectorsMagic)) + 4 + 4 + 8 + 2 + int64(hdr.GenLen)
	if hdr.Count > 0 && hdr.Dim == 0 {
		return h, nil, corrupt("zero dimension with %d vectors", hdr.Count)
	}
	if hdr.Count > math.MaxInt32 || hdr.Dim > math.MaxInt32 {
		return h, nil, corrupt("implausible size %dx%d", hdr.Count, hdr.Dim)
	}
	if want := headerSize + int64(hdr.Count)*int64(hdr.Dim)*4 + 4; fi.Size() != want {
		return h, nil, corrupt("size %d, expected %d", fi.Size(), want)
	}

	gen := make([]byte, hdr.GenLen)
	if _, err := io.ReadFull(r, gen); err != nil {
		return h, nil, corrupt("short generation: %v", err)
	}
	vectors := make([][]float32, hdr.Count)
	for i := range vectors {
		v := make([]float32, hdr.Dim)
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return h, nil, corrupt("short vector %d: %v", i, err)
		}
		vectors[i] = v
	}
	sum := crc.Sum32()
	var stored uint32
	if err := binary.Read(r, binary.LittleEndian, &stored); err != nil {
		return h, nil, corrupt("missing checksum: %v", err)
	}
	if stored != sum {
		return h, nil, corrupt("checksum mismatch")
	}

	h = vectorsHeader{generation: string(gen), dim: int(hdr.Dim), count: int(hdr.Count)}
	return h, vectors, nil
}

func writeChunks(path string, ix *index.Index) error {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		if err := meta.Put(keyGeneration, []byte(ix.Generation())); err != nil {
			return err
		}
		if err := meta.Put(keyCount, ordinalKey(ix.Count())); err != nil {
			return err
		}
		chunks := ix.Chunks().Chunks()
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		if err := meta.Put(keyChecksum, binary.BigEndian.AppendUint32(nil, chunksChecksum(texts))); err != nil {
			return err
		}

		b, err := tx.CreateBucket(bucketChunks)
		if err != nil {
			return err
		}
		b.FillPercent = 1.0 // keys are appended in order
		for _, c := range chunks {
			if err := b.Put(ordinalKey(c.Ordinal), []byte(c.Content)); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	return err
}

// readChunks returns the generation and chunk texts stored at path. bbolt
// panics on some damaged pages; those are reported as ErrCorruptArtifact.
func readChunks(path string) (generation string, chunks []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			generation, chunks = "", nil
			err = fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, path, r)
		}
	}()

	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, path, err)
	}
	defer db.Close()

	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		b := tx.Bucket(bucketChunks)
		if meta == nil || b == nil {
			return errors.New("missing buckets")
		}
		generation = string(meta.Get(keyGeneration))
		rawCount := meta.Get(keyCount)
		if len(rawCount) != 8 {
			return errors.New("missing chunk count")
		}
		count := binary.BigEndian.Uint64(rawCount)

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != 8 || binary.BigEndian.Uint64(k) != uint64(len(chunks)) {
				return fmt.Errorf("non-contiguous ordinal at position %d", len(chunks))
			}
			chunks = append(chunks, string(v))
		}
		if uint64(len(chunks)) != count {
			return fmt.Errorf("%d chunks stored, header says %d", len(chunks), count)
		}
		rawSum := meta.Get(keyChecksum)
		if len(rawSum) != 4 {
			return errors.New("missing chunk checksum")
		}
		if binary.BigEndian.Uint32(rawSum) != chunksChecksum(chunks) {
			return errors.New("chunk checksum mismatch")
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, path, err)
	}
	return generation, chunks, nil
}

// chunksChecksum is a CRC32 (IEEE) over the length-prefixed chunk texts in
// ordinal order.
func chunksChecksum(chunks []string) uint32 {
	crc := crc32.NewIEEE()
	var n [8]byte
	for _, c := range chunks {
		binary.BigEndian.PutUint64(n[:], uint64(len(c)))
		_, _ = crc.Write(n[:])
		_, _ = io.WriteString(crc, c)
	}
	return crc.Sum32()
}

func ordinalKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

func syncDir(path string) {
	d, err := os.Open(path)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("directory sync failed")
	}
}
