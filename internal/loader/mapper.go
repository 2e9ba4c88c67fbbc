package loader

import (
	"strings"
)

// Checkpoint naming artifacts.
const (
	// WrapperPrefix is prepended to every key by the data-parallel training wrapper.
	WrapperPrefix = "module."

	// LegacyPoolingKey is the old name of the GeM exponent.
	LegacyPoolingKey = "adpool.p"

	// PoolingKey is the GeM exponent's name in the model.
	PoolingKey = "gem.p"
)

// WeightMapper maps checkpoint weight names to model parameter names.
type WeightMapper interface {
	// MapName converts a checkpoint weight name to the model's name.
	MapName(name string) (string, error)

	// Architecture returns the architecture the mapper targets.
	Architecture() string
}

// GeMMapper maps names of the legacy ResNet-101 GeM checkpoint:
//   - module.layer1.0.conv1.weight -> layer1.0.conv1.weight
//   - module.adpool.p -> gem.p
//
// Mapping an already mapped name returns it unchanged.
type GeMMapper struct{}

// NewGeMMapper creates a new GeM checkpoint mapper.
func NewGeMMapper() *GeMMapper {
	return &GeMMapper{}
}

// MapName removes every occurrence of the wrapper prefix and renames the
// legacy pooling exponent.
func (m *GeMMapper) MapName(name string) (string, error) {
	name = strings.ReplaceAll(name, WrapperPrefix, "")
	if name == LegacyPoolingKey {
		return PoolingKey, nil
	}
	return name, nil
}

// Architecture returns "resnet101-gem".
func (m *GeMMapper) Architecture() string {
	return "resnet101-gem"
}

// IdentityMapper leaves names unchanged.
type IdentityMapper struct{}

// MapName returns name.
func (IdentityMapper) MapName(name string) (string, error) {
	return name, nil
}

// Architecture returns "identity".
func (IdentityMapper) Architecture() string {
	return "identity"
}
