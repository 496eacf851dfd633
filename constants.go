package sysemu

import (
	"github.com/ehrlich-b/go-sysemu/internal/constants"
	"github.com/ehrlich-b/go-sysemu/internal/uapi"
)

// Re-export constants for public API
const (
	PageSize          = constants.PageSize
	MmapUnit          = constants.MmapUnit
	RecordSize        = constants.RecordSize
	DefaultHeapBase   = constants.DefaultHeapBase
	DefaultHeapLimit  = constants.DefaultHeapLimit
	DefaultMaxThreads = constants.DefaultMaxThreads
	NoFD              = constants.NoFD
)

// Protection, mapping and msync flags
const (
	PROT_NONE  = uapi.PROT_NONE
	PROT_READ  = uapi.PROT_READ
	PROT_WRITE = uapi.PROT_WRITE
	PROT_EXEC  = uapi.PROT_EXEC

	MAP_SHARED    = uapi.MAP_SHARED
	MAP_PRIVATE   = uapi.MAP_PRIVATE
	MAP_FIXED     = uapi.MAP_FIXED
	MAP_ANONYMOUS = uapi.MAP_ANONYMOUS

	MS_ASYNC      = uapi.MS_ASYNC
	MS_INVALIDATE = uapi.MS_INVALIDATE
	MS_SYNC       = uapi.MS_SYNC
)
