package models

import (
	"strings"

	"github.com/google/uuid"
)

// Binance принимает newClientOrderId не длиннее 36 символов
const maxClientOrderIDLen = 36

var rolePrefix = map[OrderRole]string{
	RoleEntry:       "re-",
	RoleStop:        "rs-",
	RoleTakeProfit:  "rt-",
	RoleExit:        "rx-",
	RoleForcedClose: "rf-",
}

// NewClientOrderID - уникальный client order id с префиксом роли
func NewClientOrderID(role OrderRole) string {
	prefix, ok := rolePrefix[role]
	if !ok {
		prefix = "r-"
	}
	id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > maxClientOrderIDLen {
		id = id[:maxClientOrderIDLen]
	}
	return id
}
