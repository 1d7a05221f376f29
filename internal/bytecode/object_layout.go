// object_layout.go - 对象隐藏类（布局）
//
// 每个对象引用一个不可变的 Layout，描述字段名到槽位的映射。
// 按相同顺序添加相同字段的对象共享同一个 Layout，
// 因此 Layout ID 可以作为反馈中的对象形状标识。
//
// 布局转换构成一棵树：
//   root {} --x--> {x} --y--> {x, y}
//            \-y--> {y} --x--> {y, x}

package bytecode

import "sync"

// Layout 对象布局（隐藏类）
type Layout struct {
	ID     int32
	fields []string
	index  map[string]int

	mu          sync.Mutex
	transitions map[string]*Layout
}

// Fields 返回字段名列表（按槽位顺序）
func (l *Layout) Fields() []string {
	return l.fields
}

// Index 返回字段槽位
func (l *Layout) Index(name string) (int, bool) {
	idx, ok := l.index[name]
	return idx, ok
}

// Len 字段数量
func (l *Layout) Len() int {
	return len(l.fields)
}

// LayoutTable 布局表，负责分配 ID 和维护转换树
type LayoutTable struct {
	mu   sync.Mutex
	root *Layout
	byID []*Layout
}

// NewLayoutTable 创建布局表
func NewLayoutTable() *LayoutTable {
	t := &LayoutTable{}
	t.root = t.newLayout(nil)
	return t
}

// Root 返回空对象布局
func (t *LayoutTable) Root() *Layout {
	return t.root
}

// ByID 按 ID 查找布局
func (t *LayoutTable) ByID(id int32) (*Layout, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || int(id) >= len(t.byID) {
		return nil, false
	}
	return t.byID[id], true
}

// Transition 返回在 l 上追加字段 name 后的布局
func (t *LayoutTable) Transition(l *Layout, name string) *Layout {
	l.mu.Lock()
	defer l.mu.Unlock()

	if next, ok := l.transitions[name]; ok {
		return next
	}
	fields := make([]string, len(l.fields), len(l.fields)+1)
	copy(fields, l.fields)
	fields = append(fields, name)

	next := t.newLayout(fields)
	if l.transitions == nil {
		l.transitions = make(map[string]*Layout)
	}
	l.transitions[name] = next
	return next
}

// NewObject 创建空对象
func (t *LayoutTable) NewObject() *Object {
	return &Object{Layout: t.root}
}

// SetField 设置对象字段，必要时发生布局转换
func (t *LayoutTable) SetField(o *Object, name string, v Value) {
	if idx, ok := o.Layout.Index(name); ok {
		o.Fields[idx] = v
		return
	}
	o.Layout = t.Transition(o.Layout, name)
	o.Fields = append(o.Fields, v)
}

func (t *LayoutTable) newLayout(fields []string) *Layout {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := &Layout{
		ID:     int32(len(t.byID)),
		fields: fields,
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		l.index[f] = i
	}
	t.byID = append(t.byID, l)
	return l
}
