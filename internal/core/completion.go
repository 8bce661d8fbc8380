package core

import "datacontext/pkg/domain"

// NotifyNextSubmit returns a channel that receives the outcome of the next
// SubmitChanges call and is then closed. Later submissions do not reuse it;
// calling NotifyNextSubmit again before a submit returns the same channel.
func (u *UnitOfWork[T]) NotifyNextSubmit() <-chan error {
	if u.notify == nil {
		u.notify = make(chan error, 1)
	}
	return u.notify
}

func (u *UnitOfWork[T]) resolveNotify(err error) {
	ch := u.notify
	u.notify = nil
	if ch == nil {
		return
	}
	ch <- err
	close(ch)
}

// safeCacheStatus runs a side-cache call so that a panicking cache degrades
// instead of failing the caller.
func safeCacheStatus(call func() CacheStatus) (status CacheStatus) {
	defer func() {
		if recover() != nil {
			status = domain.CacheDegraded
		}
	}()
	return call()
}
