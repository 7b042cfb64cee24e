package samples

import "context"

//go:generate go run ../../cmd/entityflow gen --interface ICounter --out counter_proxy.go

// Counter is an entity holding an integer.
type Counter struct {
	Value int `json:"value"`
}

func (c *Counter) Add(amount int) { c.Value += amount }
func (c *Counter) Reset()         { c.Value = 0 }
func (c *Counter) Get() int       { return c.Value }

// ICounter is the typed view of Counter entities.
type ICounter interface {
	Add(ctx context.Context, amount int)
	Reset(ctx context.Context) error
	Get(ctx context.Context) (int, error)
}
