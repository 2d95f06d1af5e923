package hardware

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	simulatedTempMean   = 293.15
	simulatedTempStdDev = 2.5
)

// SimulatedChannel needs no bus. Temperatures are normally distributed around
// room temperature, light is uniform in [0,1] and actuator writes are only logged.
type SimulatedChannel struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	actuator int
}

func NewSimulatedChannel() *SimulatedChannel {
	return &SimulatedChannel{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *SimulatedChannel) ReadTemperature() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.rnd.NormFloat64()*simulatedTempStdDev + simulatedTempMean
	return Reading{Kind: Temperature, Value: v, Timestamp: time.Now()}, nil
}

func (s *SimulatedChannel) ReadLight() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Reading{Kind: Light, Value: s.rnd.Float64(), Timestamp: time.Now()}, nil
}

func (s *SimulatedChannel) SetActuator(value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actuator = Clamp(value)
	log.Info().Int("value", s.actuator).Msg("simulated actuator updated")
	return nil
}

// Actuator returns the last accepted actuator value.
func (s *SimulatedChannel) Actuator() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actuator
}

func (s *SimulatedChannel) Close() error { return nil }
