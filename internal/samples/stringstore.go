package samples

// StringStoreName is the entity name of StringStore.
const StringStoreName = "stringstore"

// StringStore is an entity holding a string. It has no Delete method; the
// delete operation removes its state.
type StringStore struct {
	Value string `json:"value"`
}

func (s *StringStore) Get() string      { return s.Value }
func (s *StringStore) Set(value string) { s.Value = value }
