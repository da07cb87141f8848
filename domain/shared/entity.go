package shared

import "time"

// Model 所有持久化实体共享的标识、审计与软删除字段
// ID 由存储在提交时分配，调用方永远不应自行设置
type Model struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time  `gorm:"not null;precision:6;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null;precision:6;autoUpdateTime:false" json:"updated_at"`
	IsDeleted bool       `gorm:"not null;default:false;index" json:"is_deleted"`
	DeletedAt *time.Time `gorm:"precision:6" json:"deleted_at,omitempty"`
}

// Base 返回实体的公共字段，嵌入 Model 的类型自动满足 Entity
func (m *Model) Base() *Model { return m }

// Entity 实体约束：拥有公共字段并能报告自己的实体名
type Entity interface {
	Base() *Model
	EntityName() string
}

// EntityPtr 泛型仓储使用的约束：*T 实现 Entity
type EntityPtr[T any] interface {
	*T
	Entity
}

// Preloader is implemented by entities whose owned children must be loaded with them.
type Preloader interface {
	Preloads() []string
}

// ChildBinder is implemented by aggregates that propagate their identity to owned children
// once the store has assigned it. UnbindChildren undoes it after a failed insert.
type ChildBinder interface {
	BindChildren()
	UnbindChildren()
}

// Now returns the current UTC time truncated to the precision the stores keep.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NextTimestamp returns now, or the smallest representable instant after prev when the
// clock has not moved past it.
func NextTimestamp(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}
