package domain

import (
	"fmt"
	"strings"
)

// CartItem: одна строка корзины, сколько единиц модели нужно на окно в точке выдачи.
type CartItem struct {
	CatalogID int64
	Quantity  int
	Location  string
	Window    Window
}

// Cart передаётся в оркестратор явно; сессионное хранилище корзины: забота вызывающего.
type Cart struct {
	Items []CartItem
}

// Validate возвращает первую найденную ошибку валидации корзины.
func (c Cart) Validate() error {
	if len(c.Items) == 0 {
		return NewValidationError("items", ErrCartEmpty)
	}
	for idx, item := range c.Items {
		field := fmt.Sprintf("items[%d]", idx)
		switch {
		case item.CatalogID <= 0:
			return NewValidationError(field+".catalog_id", ErrCatalogRequired)
		case item.Quantity <= 0:
			return NewValidationError(field+".quantity", ErrQuantityInvalid)
		case strings.TrimSpace(item.Location) == "":
			return NewValidationError(field+".location", ErrLocationRequired)
		}
		if err := item.Window.Validate(); err != nil {
			return NewValidationError(field+".window", err)
		}
	}
	return nil
}
