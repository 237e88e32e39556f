// Package backup implements encrypted database snapshots. An archive is
// the JSON table export compressed with zstd, then sealed into an HBK1
// framed XChaCha20-Poly1305 stream so a snapshot can be verified and
// restored on a machine that only holds the backup key.
package backup

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	magic = "HBK1"

	// framePlaintextSize is how much plaintext goes into one sealed
	// frame. Each frame gets its own nonce: the 16-byte random prefix
	// shared by the whole stream plus a big-endian frame counter.
	framePlaintextSize = 64 * 1024

	noncePrefixSize = 16
	frameHeaderSize = 5 // flag byte + ciphertext length

	frameFinal = byte(1)
)

// ParseKey decodes the 32-byte hex backup key.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode backup key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("backup key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// Writer seals a stream into HBK1 frames. Close flushes the final frame;
// an archive without a final frame is treated as truncated by Reader.
type Writer struct {
	w       io.Writer
	aead    cipher.AEAD
	prefix  [noncePrefixSize]byte
	counter uint64
	buf     []byte
	closed  bool
}

func NewWriter(w io.Writer, key []byte) (*Writer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init archive cipher: %w", err)
	}
	sw := &Writer{w: w, aead: aead}
	if _, err := rand.Read(sw.prefix[:]); err != nil {
		return nil, fmt.Errorf("generate nonce prefix: %w", err)
	}
	if _, err := w.Write([]byte(magic)); err != nil {
		return nil, fmt.Errorf("write archive magic: %w", err)
	}
	if _, err := w.Write(sw.prefix[:]); err != nil {
		return nil, fmt.Errorf("write nonce prefix: %w", err)
	}
	return sw, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed archive")
	}
	w.buf = append(w.buf, p...)
	for len(w.buf) > framePlaintextSize {
		if err := w.writeFrame(w.buf[:framePlaintextSize], false); err != nil {
			return 0, err
		}
		w.buf = w.buf[framePlaintextSize:]
	}
	return len(p), nil
}

// Close seals whatever is buffered as the flagged final frame. The final
// frame may be empty; its presence is what authenticates stream length.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.writeFrame(w.buf, true)
}

func (w *Writer) writeFrame(chunk []byte, final bool) error {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, w.prefix[:])
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:], w.counter)
	w.counter++

	flag := byte(0)
	if final {
		flag = frameFinal
	}
	sealed := w.aead.Seal(nil, nonce, chunk, []byte{flag})

	var head [frameHeaderSize]byte
	head[0] = flag
	binary.BigEndian.PutUint32(head[1:], uint32(len(sealed)))
	if _, err := w.w.Write(head[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.w.Write(sealed); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Reader opens an HBK1 stream frame by frame. A stream that ends before
// its flagged final frame fails with a truncation error rather than a
// silent short read.
type Reader struct {
	r       io.Reader
	aead    cipher.AEAD
	prefix  [noncePrefixSize]byte
	counter uint64
	buf     []byte
	final   bool
}

func NewReader(r io.Reader, key []byte) (*Reader, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init archive cipher: %w", err)
	}
	var header [len(magic) + noncePrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read archive header: %w", err)
	}
	if string(header[:len(magic)]) != magic {
		return nil, fmt.Errorf("not an HBK1 archive")
	}
	sr := &Reader{r: r, aead: aead}
	copy(sr.prefix[:], header[len(magic):])
	return sr, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.final {
			return 0, io.EOF
		}
		if err := r.nextFrame(); err != nil {
			return 0, err
		}
		if r.final && len(r.buf) == 0 {
			return 0, io.EOF
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *Reader) nextFrame() error {
	var head [frameHeaderSize]byte
	if _, err := io.ReadFull(r.r, head[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("truncated archive: final frame missing")
		}
		return fmt.Errorf("read frame header: %w", err)
	}
	flag := head[0]
	sealedLen := binary.BigEndian.Uint32(head[1:])
	if sealedLen > framePlaintextSize+uint32(r.aead.Overhead()) {
		return fmt.Errorf("frame %d too large: %d bytes", r.counter, sealedLen)
	}

	sealed := make([]byte, sealedLen)
	if _, err := io.ReadFull(r.r, sealed); err != nil {
		return fmt.Errorf("truncated archive: frame %d incomplete", r.counter)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, r.prefix[:])
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:], r.counter)
	r.counter++

	plain, err := r.aead.Open(nil, nonce, sealed, []byte{flag})
	if err != nil {
		return fmt.Errorf("open frame %d: %w", r.counter-1, err)
	}
	r.buf = plain
	if flag == frameFinal {
		r.final = true
	}
	return nil
}
