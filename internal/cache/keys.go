package cache

import (
	"strconv"
	"strings"
)

type keyBuilders struct{}

// Keys builds every cache key used by readers and writers so both sides agree
// on the exact string.
var Keys keyBuilders

func (keyBuilders) ProductsList(user string) string { return "products:all:" + user }

func (keyBuilders) Product(user, id string) string { return "products:item:" + user + ":" + id }

func (keyBuilders) ClientsList(user string) string { return "clients:all:" + user }

func (keyBuilders) Client(user, id string) string { return "clients:item:" + user + ":" + id }

// AccountsList keys the account listing by kind (payable, receivable or all).
func (keyBuilders) AccountsList(user, kind string) string {
	if kind == "" {
		kind = "all"
	}
	return "accounts:" + kind + ":" + user
}

func (keyBuilders) Account(id string) string { return "account:" + id }

func (keyBuilders) MovementsPage(user string, page int) string {
	return "movements:" + user + ":page:" + strconv.Itoa(page)
}

func (keyBuilders) UserStats(user string) string { return "user:stats:" + user }

func (keyBuilders) UserActivities(user string) string { return "user:activities:" + user }

func (keyBuilders) RateLimit(ip string, window int64) string {
	return "ratelimit:" + ip + ":" + strconv.FormatInt(window, 10)
}

// APIRoute keys a captured HTTP response: api:<route>[:<tenant>]:<METHOD>[?<query>].
// route is the request path without the API prefix. The query is kept verbatim.
func (keyBuilders) APIRoute(route, tenant, method, rawQuery string) string {
	var b strings.Builder
	b.WriteString("api:")
	b.WriteString(strings.Trim(route, "/"))
	if tenant != "" {
		b.WriteByte(':')
		b.WriteString(tenant)
	}
	b.WriteByte(':')
	b.WriteString(strings.ToUpper(method))
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}
