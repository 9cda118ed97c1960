package sqlassets

import _ "embed"

//go:embed schema/accounts.sql
var AccountsSQL string
