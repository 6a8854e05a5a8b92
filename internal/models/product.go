package models

// Product is one purchasable catalog entry. The credit amount and plan
// mapping live here rather than in code so store-side product changes do
// not require a deploy. Matcher is a substring fallback for clients that
// submit platform-decorated product ids.
type Product struct {
	BaseModel

	ProductID   string `json:"product_id" gorm:"not null;size:100;uniqueIndex"`
	Matcher     string `json:"matcher" gorm:"size:50"`
	ProductType string `json:"product_type" gorm:"not null;size:20"` // consumable or subscription
	Credits     int    `json:"credits" gorm:"default:0"`             // consumables only
	Plan        string `json:"plan" gorm:"size:20;default:'none'"`   // monthly or annual for subscriptions
	Active      bool   `json:"active" gorm:"default:true"`
}

// TableName specifies the table name
func (Product) TableName() string {
	return "products"
}
