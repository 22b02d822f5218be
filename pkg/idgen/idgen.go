package idgen

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/sonyflake"

	"github.com/mbeoliero/chatsync/pkg/constant"
)

// epoch is the sonyflake start time; ids stay numeric and time ordered after it
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator produces durable ids for stored rows
type Generator interface {
	NextID() (string, error)
}

// SonyflakeGenerator implements Generator using sonyflake
type SonyflakeGenerator struct {
	sf *sonyflake.Sonyflake
}

// NewSonyflakeGenerator creates a SonyflakeGenerator for one machine of the cluster
func NewSonyflakeGenerator(machineID uint16) (*SonyflakeGenerator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: epoch,
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sonyflake: %w", err)
	}
	return &SonyflakeGenerator{sf: sf}, nil
}

// NextID generates a new unique ID
func (g *SonyflakeGenerator) NextID() (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return strconv.FormatUint(id, 10), nil
}

// NewTempId returns a local temporary id for an optimistic message.
// Temp ids never collide with durable ids, which are numeric.
func NewTempId() string {
	return constant.TempIdPrefix + uuid.NewString()
}

// IsTempId reports whether id was produced by NewTempId
func IsTempId(id string) bool {
	return strings.HasPrefix(id, constant.TempIdPrefix)
}

// NewConnId returns the id of a websocket connection and its session
func NewConnId() string {
	return uuid.NewString()
}

var (
	mu         sync.Mutex
	defaultGen Generator
)

// SetDefault installs the process-wide generator used by NextID
func SetDefault(gen Generator) {
	mu.Lock()
	defaultGen = gen
	mu.Unlock()
}

// NextID generates a durable id with the process-wide generator. Without one, a
// generator for machine 1 is created on first use.
func NextID() (string, error) {
	mu.Lock()
	if defaultGen == nil {
		gen, err := NewSonyflakeGenerator(1)
		if err != nil {
			mu.Unlock()
			return "", err
		}
		defaultGen = gen
	}
	gen := defaultGen
	mu.Unlock()
	return gen.NextID()
}
