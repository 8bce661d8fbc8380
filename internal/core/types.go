package core

import "datacontext/pkg/domain"

type (
	Document      = domain.Document
	EntityKey     = domain.EntityKey
	KeySchema     = domain.KeySchema
	Query         = domain.Query
	Table         = domain.Table
	TableProvider = domain.TableProvider
	SideCache     = domain.SideCache
	CacheProvider = domain.CacheProvider
	CacheStatus   = domain.CacheStatus
	IndexEntry    = domain.IndexEntry
)
