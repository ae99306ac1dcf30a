package virtstor

// KeyValuePair is a general purpose key/value pair used in bulk cache operations.
type KeyValuePair[TK any, TV any] struct {
	// Key of the pair.
	Key TK
	// Value of the pair.
	Value TV
}
