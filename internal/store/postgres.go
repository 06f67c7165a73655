package store

import (
	"fmt"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ordercore/internal/order"
	"ordercore/internal/schema"
	"ordercore/internal/state"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOption defines connection options for PostgreSQL.
type PostgresOption struct {
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	User       string            `json:"user"`
	Password   string            `json:"password"`
	Database   string            `json:"database"`
	SSLMode    string            `json:"sslMode"`
	Params     map[string]string `json:"params"`
	ConnString string            `json:"connString"`
}

func (opt PostgresOption) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}
	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	u := &url.URL{Scheme: "postgres", Host: fmt.Sprintf("%s:%d", host, port)}
	switch {
	case opt.User != "" && opt.Password != "":
		u.User = url.UserPassword(opt.User, opt.Password)
	case opt.User != "":
		u.User = url.User(opt.User)
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	query := url.Values{}
	query.Set("sslmode", defaultPostgresSSLMode)
	if opt.SSLMode != "" {
		query.Set("sslmode", opt.SSLMode)
	}
	for k, v := range opt.Params {
		if k != "" {
			query.Set(k, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

type orderRow struct {
	ClientOrderID string `gorm:"primaryKey;column:client_order_id"`
	InstrumentID  string `gorm:"index;column:instrument_id"`
	StrategyID    string `gorm:"index;column:strategy_id"`
	Status        string `gorm:"column:status"`
	State         []byte `gorm:"type:jsonb;column:state"`
	UpdatedAt     time.Time
}

func (orderRow) TableName() string { return "orders" }

type listRow struct {
	ListID string `gorm:"primaryKey;column:list_id"`
	List   []byte `gorm:"type:jsonb;column:list"`
}

func (listRow) TableName() string { return "order_lists" }

type positionRow struct {
	InstrumentID string `gorm:"primaryKey;column:instrument_id"`
	NetQty       int64  `gorm:"column:net_qty"`
	Position     []byte `gorm:"type:jsonb;column:position"`
	UpdatedAt    time.Time
}

func (positionRow) TableName() string { return "positions" }

type metaRow struct {
	Key   string `gorm:"primaryKey;column:key"`
	Value uint64 `gorm:"column:value"`
}

func (metaRow) TableName() string { return "store_meta" }

// PostgresStore keeps the same documents as PebbleStore in PostgreSQL tables.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects and migrates the tables.
func OpenPostgres(opt PostgresOption) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(opt.dsn()), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.AutoMigrate(&orderRow{}, &listRow{}, &positionRow{}, &metaRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate postgres")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) upsert(row any) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (s *PostgresStore) SaveOrder(st order.State) error {
	row, err := toOrderRow(st)
	if err != nil {
		return err
	}
	if err := s.upsert(&row); err != nil {
		return errors.Wrap(err, "save order").With("id", st.Init.ClientOrderID)
	}
	return nil
}

func (s *PostgresStore) DeleteOrder(id schema.ClientOrderID) error {
	return s.db.Delete(&orderRow{}, "client_order_id = ?", string(id)).Error
}

func (s *PostgresStore) SaveOrderList(l order.List) error {
	data, err := sonic.ConfigFastest.Marshal(l)
	if err != nil {
		return errors.Wrap(err, "marshal order list")
	}
	return s.upsert(&listRow{ListID: string(l.ID), List: data})
}

func (s *PostgresStore) SavePosition(p state.Position) error {
	data, err := sonic.ConfigFastest.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal position")
	}
	return s.upsert(&positionRow{
		InstrumentID: string(p.InstrumentID),
		NetQty:       int64(p.NetQty),
		Position:     data,
		UpdatedAt:    time.Now().UTC(),
	})
}

func (s *PostgresStore) LoadOrders() ([]order.State, error) {
	var rows []orderRow
	if err := s.db.Order("client_order_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load orders")
	}
	out := make([]order.State, 0, len(rows))
	for _, row := range rows {
		st, err := fromOrderRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *PostgresStore) LoadOrderLists() ([]order.List, error) {
	var rows []listRow
	if err := s.db.Order("list_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load order lists")
	}
	out := make([]order.List, 0, len(rows))
	for _, row := range rows {
		var l order.List
		if err := sonic.ConfigFastest.Unmarshal(row.List, &l); err != nil {
			return nil, errors.Wrap(err, "unmarshal order list").With("id", row.ListID)
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *PostgresStore) LoadPositions() ([]state.Position, error) {
	var rows []positionRow
	if err := s.db.Order("instrument_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load positions")
	}
	out := make([]state.Position, 0, len(rows))
	for _, row := range rows {
		var p state.Position
		if err := sonic.ConfigFastest.Unmarshal(row.Position, &p); err != nil {
			return nil, errors.Wrap(err, "unmarshal position").With("instrument", row.InstrumentID)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *PostgresStore) SetMeta(key string, value uint64) error {
	return s.upsert(&metaRow{Key: key, Value: value})
}

func (s *PostgresStore) Meta(key string) (uint64, bool, error) {
	var rows []metaRow
	if err := s.db.Where("key = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return 0, false, errors.Wrap(err, "load meta").With("key", key)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].Value, true, nil
}

func toOrderRow(st order.State) (orderRow, error) {
	data, err := sonic.ConfigFastest.Marshal(st)
	if err != nil {
		return orderRow{}, errors.Wrap(err, "marshal order state")
	}
	return orderRow{
		ClientOrderID: string(st.Init.ClientOrderID),
		InstrumentID:  string(st.Init.InstrumentID),
		StrategyID:    string(st.Init.StrategyID),
		Status:        st.Status.String(),
		State:         data,
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func fromOrderRow(row orderRow) (order.State, error) {
	var st order.State
	if err := sonic.ConfigFastest.Unmarshal(row.State, &st); err != nil {
		return order.State{}, errors.Wrap(err, "unmarshal order state").With("id", row.ClientOrderID)
	}
	return st, nil
}
