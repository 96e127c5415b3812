package core

// Persistence — save-file identity, blob format and the save/load pipeline
// of §4.G. Grounded on the store/db.go pattern from the wider retrieval
// pack (a single bbolt database opened once, buckets created up front,
// fixed-path keys) adapted from a chain-indexed key-value layout to the
// path-addressed blob layout this spec calls for, and on ledger.go's
// length-prefixed, gzip-above-threshold blob format — swapped here for
// zstd, the compressor the rest of this module already depends on.

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
)

// EntityID is a process- and save-lifetime-stable entity identifier, minted
// once per entity the first time it is saved.
type EntityID [16]byte

func (id EntityID) String() string { return uuid.UUID(id).String() }

// NewEntityID mints a fresh random entity id.
func NewEntityID() EntityID {
	return EntityID(uuid.New())
}

// SaveFileIdentifier pins a persistable entity to its on-disk path.
type SaveFileIdentifier struct {
	EntityID EntityID
	Sector   *Sector
	Parent   *EntityID
}

// Path computes the on-disk blob key for sfi, following §4.G exactly:
// sectored, parented, or the rare sectorless-and-parentless "nowhere" case.
func (sfi SaveFileIdentifier) Path() string {
	switch {
	case sfi.Parent != nil:
		return fmt.Sprintf("world/%s/%s.cent", sfi.Parent.String(), sfi.EntityID.String())
	case sfi.Sector != nil:
		return fmt.Sprintf("world/%s/%s.cent", sfi.Sector.String(), sfi.EntityID.String())
	default:
		return fmt.Sprintf("world/nowhere/%s.cent", sfi.EntityID.String())
	}
}

// SerializedData is the blob format: a mapping from string tag to raw
// encoded bytes. Unknown tags round-trip untouched so a newer writer's
// fields survive being re-saved by this version.
type SerializedData struct {
	Tags map[string][]byte
}

func NewSerializedData() *SerializedData {
	return &SerializedData{Tags: make(map[string][]byte)}
}

const compressThreshold = 50

// zstdEncoder/zstdDecoder are safe for concurrent use and expensive to
// build, so the persistence store keeps one pair for its whole lifetime.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodeBlob serializes data's tags in a deterministic order as
// length-prefixed [tag-len, tag, compressed-flag, payload-len, payload]
// records, compressing payloads at or above compressThreshold bytes.
func EncodeBlob(data *SerializedData) []byte {
	tags := make([]string, 0, len(data.Tags))
	for t := range data.Tags {
		tags = append(tags, t)
	}
	sortStrings(tags)

	var buf bytes.Buffer
	for _, tag := range tags {
		payload := data.Tags[tag]
		compressed := false
		out := payload
		if len(payload) >= compressThreshold {
			out = zstdEncoder.EncodeAll(payload, nil)
			compressed = true
		}
		writeUvarint(&buf, uint64(len(tag)))
		buf.WriteString(tag)
		if compressed {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeUvarint(&buf, uint64(len(out)))
		buf.Write(out)
	}
	return buf.Bytes()
}

// DecodeBlob is the inverse of EncodeBlob. A malformed trailing record is
// treated as a serialization failure for the remainder of the blob: what
// decoded cleanly so far is returned alongside the error, per §7.3.
func DecodeBlob(raw []byte) (*SerializedData, error) {
	data := NewSerializedData()
	r := bytes.NewReader(raw)
	for r.Len() > 0 {
		tagLen, err := binary.ReadUvarint(r)
		if err != nil {
			return data, &SerializationError{Tag: "<blob>", Err: err}
		}
		tagBuf := make([]byte, tagLen)
		if _, err := io.ReadFull(r, tagBuf); err != nil {
			return data, &SerializationError{Tag: "<blob>", Err: err}
		}
		tag := string(tagBuf)
		flag, err := r.ReadByte()
		if err != nil {
			return data, &SerializationError{Tag: tag, Err: err}
		}
		payloadLen, err := binary.ReadUvarint(r)
		if err != nil {
			return data, &SerializationError{Tag: tag, Err: err}
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return data, &SerializationError{Tag: tag, Err: err}
		}
		if flag == 1 {
			payload, err = zstdDecoder.DecodeAll(payload, nil)
			if err != nil {
				return data, &SerializationError{Tag: tag, Err: err}
			}
		}
		data.Tags[tag] = payload
	}
	return data, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Serializer and Deserializer are the per-tag hooks persistence plugs into
// the block-data store and other subsystems with.
type Serializer func(entity EntityID) ([]byte, error)
type Deserializer func(entity EntityID, payload []byte) error

// Store is a single bbolt database holding every entity's blob, keyed by
// its computed save-file path, plus the faction table and player links
// named in §6.
type Store struct {
	mu  sync.RWMutex
	db  *bolt.DB
	log *logrus.Logger

	serializers   map[string]Serializer
	deserializers map[string]Deserializer

	needsSaved  map[EntityID]SaveFileIdentifier
	needsLoaded map[EntityID]SaveFileIdentifier
	loadFailCount uint64
}

var bucketBlobs = []byte("entity_blobs")

// OpenStore opens (creating if absent) the bbolt database at path.
func OpenStore(path string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persistence: open store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: init bucket: %w", err)
	}
	return &Store{
		db: db, log: log,
		serializers:   make(map[string]Serializer),
		deserializers: make(map[string]Deserializer),
		needsSaved:    make(map[EntityID]SaveFileIdentifier),
		needsLoaded:   make(map[EntityID]SaveFileIdentifier),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RegisterSerializer attaches the save-side hook for tag.
func (s *Store) RegisterSerializer(tag string, fn Serializer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serializers[tag] = fn
}

// RegisterDeserializer attaches the load-side hook for tag.
func (s *Store) RegisterDeserializer(tag string, fn Deserializer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deserializers[tag] = fn
}

// MarkNeedsSaved schedules sfi's entity for the next DoneSaving phase.
func (s *Store) MarkNeedsSaved(sfi SaveFileIdentifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsSaved[sfi.EntityID] = sfi
}

// MarkNeedsLoaded places a NeedsLoaded marker on an empty entity.
func (s *Store) MarkNeedsLoaded(sfi SaveFileIdentifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsLoaded[sfi.EntityID] = sfi
}

// DoSaving runs every registered serializer for every entity marked
// NeedsSaved, accumulating their tags into a SerializedData per entity. A
// failing serializer omits just its own tag and is logged, per §7.3.
func (s *Store) DoSaving() map[EntityID]*SerializedData {
	s.mu.RLock()
	pending := make(map[EntityID]SaveFileIdentifier, len(s.needsSaved))
	for id, sfi := range s.needsSaved {
		pending[id] = sfi
	}
	sers := make(map[string]Serializer, len(s.serializers))
	for tag, fn := range s.serializers {
		sers[tag] = fn
	}
	s.mu.RUnlock()

	out := make(map[EntityID]*SerializedData, len(pending))
	for id := range pending {
		data := NewSerializedData()
		for tag, fn := range sers {
			payload, err := fn(id)
			if err != nil {
				s.log.WithFields(logrus.Fields{"entity": id.String(), "tag": tag}).
					Warn("persistence: serializer failed, tag omitted")
				continue
			}
			data.Tags[tag] = payload
		}
		out[id] = data
	}
	return out
}

// DoneSaving writes each entity's SerializedData to its computed path and
// clears its NeedsSaved marker.
func (s *Store) DoneSaving(blobs map[EntityID]*SerializedData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		for id, data := range blobs {
			sfi, ok := s.needsSaved[id]
			if !ok {
				continue
			}
			if err := b.Put([]byte(sfi.Path()), EncodeBlob(data)); err != nil {
				return fmt.Errorf("persistence: write %s: %w", sfi.Path(), err)
			}
			delete(s.needsSaved, id)
		}
		return nil
	})
}

// LoadPending reads every entity currently marked NeedsLoaded, running
// registered deserializers against its blob. A missing file despawns the
// entity (returned in despawned); a decode failure increments the
// load-fail counter and skips just that tag, per §7.3.
func (s *Store) LoadPending() (loaded []EntityID, despawned []EntityID) {
	s.mu.Lock()
	pending := make(map[EntityID]SaveFileIdentifier, len(s.needsLoaded))
	for id, sfi := range s.needsLoaded {
		pending[id] = sfi
	}
	deser := make(map[string]Deserializer, len(s.deserializers))
	for tag, fn := range s.deserializers {
		deser[tag] = fn
	}
	s.mu.Unlock()

	for id, sfi := range pending {
		var raw []byte
		_ = s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketBlobs)
			v := b.Get([]byte(sfi.Path()))
			if v != nil {
				raw = append([]byte(nil), v...)
			}
			return nil
		})
		if raw == nil {
			despawned = append(despawned, id)
			s.mu.Lock()
			delete(s.needsLoaded, id)
			s.mu.Unlock()
			continue
		}
		data, err := DecodeBlob(raw)
		if err != nil {
			s.log.WithField("entity", id.String()).Warn("persistence: blob decode error, partial load")
		}
		for tag, payload := range data.Tags {
			fn, ok := deser[tag]
			if !ok {
				continue
			}
			if err := fn(id, payload); err != nil {
				s.mu.Lock()
				s.loadFailCount++
				s.mu.Unlock()
				s.log.WithFields(logrus.Fields{"entity": id.String(), "tag": tag}).
					Warn("persistence: deserializer rejected bytes, tag skipped")
				continue
			}
		}
		loaded = append(loaded, id)
		s.mu.Lock()
		delete(s.needsLoaded, id)
		s.mu.Unlock()
	}
	return loaded, despawned
}

// LoadFailCount returns the running count of deserializer rejections.
func (s *Store) LoadFailCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadFailCount
}

// PutFactions writes the faction table to its fixed top-level path.
func (s *Store) PutFactions(raw []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte("world/factions.bin"), raw)
	})
}

// GetFactions reads the faction table, or nil if it has never been saved.
func (s *Store) GetFactions() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte("world/factions.bin"))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// PlayerLink is the small pointer record stored under
// world/players/<hash(name)>.json, per §6.
type PlayerLink struct {
	EntityID EntityID
	Sector   Sector
	SFI      SaveFileIdentifier
}

// PlayerNameHash derives the stable, case-sensitive key that PutPlayerLink
// indexes player records under.
func PlayerNameHash(name string) string {
	sum := blake2b.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

// PutPlayerLink stores a player's link record keyed by their name hash.
func (s *Store) PutPlayerLink(nameHash string, link PlayerLink) error {
	path := fmt.Sprintf("world/players/%s.json", nameHash)
	raw := []byte(fmt.Sprintf(`{"entity_id":%q,"sector":%q,"sfi":%q}`, link.EntityID.String(), link.Sector.String(), link.SFI.Path()))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(path), raw)
	})
}
