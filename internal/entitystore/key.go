package entitystore

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	listKeyName     = "all_pokemon_list"
	entityKeyPrefix = "pokemon_"
)

// Kind 区分索引列表与单个实体。
type Kind uint8

const (
	KindList Kind = iota + 1
	KindEntity
)

// Key 是实体缓存的分区键，避免直接拼接字符串造成冲突。
type Key struct {
	kind Kind
	id   int
}

// ListKey 指向完整的 Pokémon 索引列表。
func ListKey() Key {
	return Key{kind: KindList}
}

// EntityKey 指向单个 Pokémon 详情。
func EntityKey(id int) Key {
	return Key{kind: KindEntity, id: id}
}

// Kind 返回键的类别。
func (k Key) Kind() Kind {
	return k.kind
}

// ID 返回实体 id，列表键返回 false。
func (k Key) ID() (int, bool) {
	if k.kind != KindEntity {
		return 0, false
	}
	return k.id, true
}

// Valid 报告键是否可以被持久化。
func (k Key) Valid() bool {
	switch k.kind {
	case KindList:
		return true
	case KindEntity:
		return k.id > 0
	default:
		return false
	}
}

// String 返回持久化使用的字符串形式："all_pokemon_list" 或 "pokemon_<id>"。
func (k Key) String() string {
	switch k.kind {
	case KindList:
		return listKeyName
	case KindEntity:
		return entityKeyPrefix + strconv.Itoa(k.id)
	default:
		return ""
	}
}

// MarshalText 使 Key 可以直接出现在 JSON 中。
func (k Key) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, k.kind)
	}
	return []byte(k.String()), nil
}

// UnmarshalText 解析字符串形式的键。
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey 将持久化字符串还原为 Key，其它格式一律拒绝。
func ParseKey(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == listKeyName {
		return ListKey(), nil
	}
	if rest, ok := strings.CutPrefix(raw, entityKeyPrefix); ok {
		id, err := strconv.Atoi(rest)
		if err == nil && id > 0 && strconv.Itoa(id) == rest {
			return EntityKey(id), nil
		}
	}
	return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
}
