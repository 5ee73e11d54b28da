package model

// DefaultCatalog lists the suite products seeded into every registry.
func DefaultCatalog() []Product {
	return []Product{
		{Name: ProductRoomManagement, Version: "1.0", Endpoint: "/rooms"},
		{Name: ProductAppointments, Version: "1.0", Endpoint: "/appointments"},
		{Name: ProductClientPortal, Version: "1.0", Endpoint: "/portal"},
	}
}
