package proxy

// taskKind tags the three submission modes
type taskKind uint8

const (
	kindAsync   taskKind = iota // Fire and forget
	kindSync                    // Token finished after fn returns
	kindSyncCtx                 // fn owns the token and finishes it
)

func (k taskKind) String() string {
	switch k {
	case kindAsync:
		return "async"
	case kindSync:
		return "sync"
	case kindSyncCtx:
		return "sync_ctx"
	default:
		return "unknown"
	}
}

// task is one unit of proxied work
type task struct {
	kind  taskKind
	fn    func()
	ctxFn func(*Ctx)
	ctx   *Ctx
}

func (t *task) run() {
	switch t.kind {
	case kindAsync:
		t.fn()
	case kindSync:
		t.fn()
		t.ctx.Finish()
	case kindSyncCtx:
		t.ctx.dispatched.Store(true)
		defer func() {
			if r := recover(); r != nil {
				// The token did not get past a panicking fn
				t.ctx.dispatched.Store(false)
				panic(r)
			}
		}()
		t.ctxFn(t.ctx)
	}
}
