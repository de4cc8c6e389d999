package reminder

import (
	"fmt"
	"html/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/magabrotheeeer/breezeminder/internal/models"
)

const dateLayout = "01/02/2006"

// ProductLine продукт карты, подготовленный для шаблона.
type ProductLine struct {
	Name       string
	Rides      string
	RoundTrips string
	Expires    string
}

// Context данные, которые получают шаблоны напоминаний.
type Context struct {
	Reminder        *models.Reminder
	Card            *models.Card
	Owner           *models.User
	TypeName        string
	Description     string
	DescriptionHTML template.HTML
	OwnerName       string
	CardNumber      string
	Balance         string
	PreviousBalance string

	Products []ProductLine

	ExpiringCard     bool
	CardExpiration   string
	ExpiringProducts []ProductLine

	NewProducts []ProductLine
	NewPending  []string
}

// BuildContext собирает данные для шаблонов по правилу, карте и снимкам состояния.
func BuildContext(rule *models.Reminder, card *models.Card, owner *models.User, current, previous *models.CardState, now time.Time) Context {
	ctx := Context{
		Reminder:        rule,
		Card:            card,
		Owner:           owner,
		TypeName:        rule.Type().Name(),
		Description:     Describe(rule.Condition),
		DescriptionHTML: template.HTML(DescribeHTML(rule.Condition)),
		OwnerName:       owner.FirstName,
		CardNumber:      card.NumberMasked(),
	}
	if ctx.OwnerName == "" {
		ctx.OwnerName = owner.Email
	}

	if current == nil {
		return ctx
	}
	ctx.Balance = money(current.StoredValue)
	if previous != nil {
		ctx.PreviousBalance = money(previous.StoredValue)
	}
	for _, p := range current.Products {
		ctx.Products = append(ctx.Products, productLine(p))
	}

	if exp, ok := rule.Condition.(models.ExpiresIn); ok {
		if items, err := Expiring(exp, current, now); err == nil {
			ctx.ExpiringCard = items.Card
			if items.Card {
				ctx.CardExpiration = current.ExpirationDate.Format(dateLayout)
			}
			for _, p := range items.Products {
				ctx.ExpiringProducts = append(ctx.ExpiringProducts, productLine(p))
			}
		}
	}

	if previous != nil {
		for _, p := range current.Products {
			if !previous.HasProduct(p) {
				ctx.NewProducts = append(ctx.NewProducts, productLine(p))
			}
		}
		for _, t := range current.Pending {
			if !previous.HasPending(t) {
				ctx.NewPending = append(ctx.NewPending, t.Name)
			}
		}
	}
	return ctx
}

func productLine(p models.Product) ProductLine {
	line := ProductLine{Name: p.Name}
	if p.RemainingRides != nil {
		line.Rides = fmt.Sprintf("%d", *p.RemainingRides)
		line.RoundTrips = decimal.NewFromInt(int64(*p.RemainingRides)).Div(decimal.NewFromInt(2)).String()
	}
	if p.ExpirationDate != nil {
		line.Expires = p.ExpirationDate.Format(dateLayout)
	}
	return line
}

func money(v *decimal.Decimal) string {
	if v == nil {
		return ""
	}
	return "$" + v.StringFixed(2)
}
