package mux

type FilterFunc[T any] func(T) bool

type MapperFunc[T, U any] func(T) U

func Filter[T any](in In[T], filter FilterFunc[T]) In[T] {
	out := make(chan T)

	go func() {
		defer close(out)

		for v := range in {
			if filter(v) {
				out <- v
			}
		}
	}()

	return out
}

func Map[T, U any](in In[T], mapper MapperFunc[T, U]) In[U] {
	out := make(chan U)

	go func() {
		defer close(out)

		for v := range in {
			out <- mapper(v)
		}
	}()

	return out
}

func Any[T any]() FilterFunc[T] {
	return func(T) bool {
		return true
	}
}

// By matches values whose key equals want, e.g. By(udev.Device.Subsystem, "net").
func By[T any, K comparable](key func(T) K, want K) FilterFunc[T] {
	return func(v T) bool {
		return key(v) == want
	}
}

func Not[T any](filter FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		return !filter(v)
	}
}

func Or[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if filter(v) {
				return true
			}
		}
		return false
	}
}

// And skips nil filters, so optional conditions can be passed unconditionally.
func And[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if filter != nil && !filter(v) {
				return false
			}
		}
		return true
	}
}
