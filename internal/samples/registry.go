package samples

import (
	"github.com/roach88/entityflow/internal/entity"
)

// Register adds the sample entities to reg.
func Register(reg *entity.Registry) error {
	handlers := []struct {
		name string
		h    entity.Handler
	}{
		{CounterEntityName, entity.MustClass[Counter]()},
		{StringStoreName, entity.MustClass[StringStore]()},
		{FaultyName, entity.HandlerFunc(Faulty)},
	}
	for _, e := range handlers {
		if err := reg.Register(e.name, e.h); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the sample entities.
func NewRegistry() *entity.Registry {
	reg := entity.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}
