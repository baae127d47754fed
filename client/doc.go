// Package client connects to a distributed SQL cluster and runs statements.
//
// A Conn is one handshaken session with a node. Connect tries a list of
// addresses in order; Dial targets a single one. Each Conn runs a reader
// goroutine that matches responses to requests by id, so many cursors and
// transactions may share one Conn concurrently.
//
//	conn, err := client.Connect(ctx, client.Options{
//		Addresses:   []string{"node1:10800", "node2:10800"},
//		Credentials: &client.BasicAuth{Username: "admin", Password: "admin"},
//	})
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	cur := conn.Cursor()
//	defer cur.Close()
//	if err := cur.Execute(ctx, "update t set data = ? where id > ?", "Lorem ipsum", 3); err != nil {
//		return err
//	}
//	fmt.Println(cur.RowCount())
//
// RowCount is -1 for statements that return rows. Rows are fetched lazily in
// pages with FetchNext, FetchMany or FetchAll.
package client
