package persistence

import (
	"encoding/json"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerOptions Badger 存储选项
type BadgerOptions struct {
	Path          string
	EncryptionKey []byte // 32 字节；为空则不加密
	InMemory      bool   // 测试用
}

// BadgerService 基于 Badger KV 的持久化服务
type BadgerService struct {
	db *badger.DB
}

// OpenBadger 打开 Badger 数据库
func OpenBadger(opts BadgerOptions) (*BadgerService, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("persistence: badger path is required")
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// 加密负载需要索引缓存
		bopts = bopts.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(64 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &BadgerService{db: db}, nil
}

// NewStore 创建新的存储
func (s *BadgerService) NewStore(prefix, id, tag string) Store {
	return &BadgerStore{db: s.db, key: []byte(Key(prefix, id, tag))}
}

// Close 关闭数据库
func (s *BadgerService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BadgerStore 单个键的 JSON 值存储
type BadgerStore struct {
	db  *badger.DB
	key []byte
}

// Save 保存数据
func (s *BadgerStore) Save(data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", s.key)
	}
	return errors.Wrapf(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, b)
	}), "badger set %s", s.key)
}

// Load 加载数据
func (s *BadgerStore) Load(data interface{}) error {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotExists
		}
		return errors.Wrapf(err, "badger get %s", s.key)
	}
	if len(raw) == 0 {
		return ErrNotExists
	}
	return errors.Wrapf(json.Unmarshal(raw, data), "unmarshal %s", s.key)
}
