package migrations

import (
	"encoding/json"

	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		jsonData := `{
			"id": "pbc_2381596474",
			"name": "checkin_records",
			"type": "base",
			"system": false,
			"fields": [
				{
					"autogeneratePattern": "[a-z0-9]{15}",
					"hidden": false,
					"id": "text3208210256",
					"max": 15,
					"min": 15,
					"name": "id",
					"pattern": "^[a-z0-9]+$",
					"presentable": false,
					"primaryKey": true,
					"required": true,
					"system": true,
					"type": "text"
				},
				{
					"autogeneratePattern": "",
					"hidden": false,
					"id": "text2325183951",
					"max": 0,
					"min": 0,
					"name": "ticket_id",
					"pattern": "",
					"presentable": true,
					"primaryKey": false,
					"required": true,
					"system": false,
					"type": "text"
				},
				{
					"autogeneratePattern": "",
					"hidden": false,
					"id": "text1001261735",
					"max": 0,
					"min": 0,
					"name": "event_id",
					"pattern": "",
					"presentable": false,
					"primaryKey": false,
					"required": true,
					"system": false,
					"type": "text"
				},
				{
					"hidden": false,
					"id": "select2724148461",
					"maxSelect": 1,
					"name": "result",
					"presentable": false,
					"required": true,
					"system": false,
					"type": "select",
					"values": ["accepted", "already_checked_in", "wrong_event", "not_paid"]
				},
				{
					"hidden": false,
					"id": "date2782324286",
					"max": "",
					"min": "",
					"name": "timestamp",
					"presentable": false,
					"required": true,
					"system": false,
					"type": "date"
				}
			],
			"indexes": [
				"CREATE INDEX idx_checkin_records_ticket_id ON checkin_records (ticket_id)"
			],
			"listRule": null,
			"viewRule": null,
			"createRule": null,
			"updateRule": null,
			"deleteRule": null
		}`

		collection := &core.Collection{}
		if err := json.Unmarshal([]byte(jsonData), &collection); err != nil {
			return err
		}

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("pbc_2381596474")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
