// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 server 管理 HTTP 服务器的生命周期：非阻塞启动、优雅关闭与异步错误传播。

websocket 连接在握手后被劫持，http.Server.Shutdown 不会等待它们；
通过 OnShutdown 注册的回调（例如关闭 fanout.Hub）负责断开这些连接。
*/
package server
