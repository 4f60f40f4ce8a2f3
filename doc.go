// Package gblink 提供掌機模擬器的 link 連線轉送服務。
//
// 兩台模擬器透過伺服器交換序列埠位元組，就像用連接線接在一起。
//
// # 房間
//
// 擁有者透過 HTTP API 建立房間並取得六碼房間碼，另一位使用者以房間碼加入。
// 每次加入都會發出單次使用的連線金鑰，客戶端連上 link 伺服器後送出 connect
// 指令兌換金鑰，之後只以二進位協議交換位元組。
//
// # 位元組交換
//
// 每個客戶端有四種狀態（Idle、Presented、Pushed、UnexpectedPush）。
// 主動方推送位元組，被動方提供位元組；雙方的訊息抵達順序不固定，
// 伺服器以 pullByteStale 先回覆推測值，競爭時以 commitStaleByte 確認。
//
// # 併發模型
//
// 房間登記表與所有房間共用一個執行迴圈，不加鎖。傳輸層每條連線一個讀取
// goroutine 與一個寫入 goroutine，寫入佇列滿時直接斷線。
//
// # 傳輸
//
//   - TCP：link 協議的主要入口
//   - WebSocket：/link/ws，binary 訊息承載同一套協議
//
// # 事件
//
// 房間建立、加入與關閉會發布到 Redis、NATS 或寫入 PostgreSQL，皆為可選。
//
// 使用範例
//
// 啟動服務器：
//
//	go run ./cmd/server -config config.yaml
//
// 建立並加入房間：
//
//	curl -X POST localhost:8080/api/createRoom -d '{"deviceID":"..."}'
//	curl -X POST localhost:8080/api/joinRoom -d '{"deviceID":"...","roomCode":"ABCDEF"}'
//
// 以 Go 客戶端連線：
//
//	c, err := link.Dial(ctx, "localhost:8081", key)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	c.PushByte(0x42)
//	msg, err := c.Next(ctx)
package gblink
